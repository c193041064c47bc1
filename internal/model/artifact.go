// Package model loads trained ROS regression artifacts and evaluates them.
//
// Every model predicts ln(ROS). Artifacts are JSON documents that carry the
// ordered feature list, the per-feature transform applied during training,
// the residual spread in log space, and the formula signature of each weather
// feature the model was trained on.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// SchemaVersion is the artifact format this package reads.
const SchemaVersion = 1

// Artifact kinds.
const (
	KindLogLinear    = "loglinear"
	KindTreeEnsemble = "tree_ensemble"
)

// Artifact is the on-disk model description.
type Artifact struct {
	SchemaVersion int                  `json:"schema_version"`
	Choice        domain.ModelChoice   `json:"choice"`
	Kind          string               `json:"kind"`
	Description   string               `json:"description,omitempty"`
	TrainedAt     string               `json:"trained_at,omitempty"`
	Features      []string             `json:"features"`
	Transforms    map[string]Transform `json:"transforms,omitempty"`
	ResidualStd   float64              `json:"residual_std"`
	Formulas      map[string]string    `json:"formulas,omitempty"`
	LogLinear     *LogLinearSpec       `json:"loglinear,omitempty"`
	Trees         *TreeEnsembleSpec    `json:"trees,omitempty"`
}

// ReadArtifact decodes the artifact at path.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact %s: %w", path, err)
	}
	var a Artifact
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode model artifact %s: %w", path, err)
	}
	return &a, nil
}

// Validate checks structural consistency and that every weather feature's
// recorded formula matches the formula this build computes.
func (a *Artifact) Validate() error {
	if a.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (want %d)", a.SchemaVersion, SchemaVersion)
	}
	switch a.Choice {
	case domain.ModelLinear, domain.ModelComplex:
	default:
		return fmt.Errorf("unknown model choice %q", a.Choice)
	}
	if len(a.Features) == 0 {
		return errors.New("no features")
	}
	seen := make(map[string]bool, len(a.Features))
	for _, f := range a.Features {
		if seen[f] {
			return fmt.Errorf("duplicate feature %q", f)
		}
		seen[f] = true
	}
	for name, tr := range a.Transforms {
		if !seen[name] {
			return fmt.Errorf("transform for unknown feature %q", name)
		}
		if err := tr.validate(); err != nil {
			return fmt.Errorf("transform %s: %w", name, err)
		}
	}
	if a.ResidualStd < 0 {
		return errors.New("negative residual_std")
	}
	return a.checkFormulas()
}

func (a *Artifact) checkFormulas() error {
	current := derive.Signatures()
	var mismatched []string
	for _, f := range a.Features {
		if !derive.IsWeatherFeature(f) {
			continue
		}
		recorded, ok := a.Formulas[f]
		if !ok {
			mismatched = append(mismatched, f+" (no recorded formula)")
			continue
		}
		if recorded != current[f] {
			mismatched = append(mismatched, fmt.Sprintf("%s (trained %q, computed %q)", f, recorded, current[f]))
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return fmt.Errorf("formula mismatch: %s", strings.Join(mismatched, "; "))
	}
	return nil
}

package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// Non-weather feature names shared by the reference artifacts.
const (
	FeatureDuration    = "duration_p"
	FeatureFireStart   = "f_start"
	FeatureBurned3to8y = "3_8y_fir_p"
	FeatureFuelLoad    = "f_load_av"
)

// LinearFeatures is the training order of the linear model.
var LinearFeatures = []string{
	derive.FeatureHDW, derive.FeatureWind850, FeatureDuration, derive.FeatureCAPE,
	derive.FeatureLapse, FeatureBurned3to8y, derive.FeatureDC,
}

// ComplexFeatures is the training order of the complex model.
var ComplexFeatures = []string{
	FeatureDuration, derive.FeatureSoil100, FeatureBurned3to8y, FeatureFuelLoad,
	FeatureFireStart, derive.FeatureFWI, derive.FeatureWind100,
}

// LinearReferenceROS is the published linear model's output, in m/min, for
// LinearReferenceVector.
const LinearReferenceROS = 517.3639364960567

// LinearReferenceVector is the worked example used to check a linear
// artifact against the published coefficients.
func LinearReferenceVector() domain.FeatureVector {
	return domain.FeatureVector{
		derive.FeatureHDW:     3.2,
		derive.FeatureWind850: 18.0,
		FeatureDuration:       4.0,
		derive.FeatureCAPE:    60.0,
		derive.FeatureLapse:   6.1,
		FeatureBurned3to8y:    0.15,
		derive.FeatureDC:      420.0,
	}
}

func ptr(v float64) *float64 { return &v }

func formulasFor(features []string) map[string]string {
	sigs := derive.Signatures()
	out := map[string]string{}
	for _, f := range features {
		if s, ok := sigs[f]; ok {
			out[f] = s
		}
	}
	return out
}

// ReferenceLinearArtifact is the published multiplicative linear model:
//
//	ROS = 511.55 · 1.2513^HDW_av · 1.1181^wv_850_av · 0.6305^duration_p ·
//	      Cape_av^-0.2202 · 0.8399^gT_8_7_av · 3_8y_fir_p^0.1756 · DC_12h_av^0.2365
func ReferenceLinearArtifact() *Artifact {
	return &Artifact{
		SchemaVersion: SchemaVersion,
		Choice:        domain.ModelLinear,
		Kind:          KindLogLinear,
		Description:   "Multiplicative log-linear ROS regression",
		Features:      append([]string(nil), LinearFeatures...),
		Transforms: map[string]Transform{
			derive.FeatureCAPE: {Kind: TransformLog, Floor: 1},
			FeatureBurned3to8y: {Kind: TransformLog, Floor: 1e-3},
			derive.FeatureDC:   {Kind: TransformLog, Floor: 1},
		},
		ResidualStd: 0.62,
		Formulas:    formulasFor(LinearFeatures),
		LogLinear: &LogLinearSpec{
			Scale: ptr(511.55),
			Terms: []Term{
				{Feature: derive.FeatureHDW, Base: ptr(1.2513)},
				{Feature: derive.FeatureWind850, Base: ptr(1.1181)},
				{Feature: FeatureDuration, Base: ptr(0.6305)},
				{Feature: derive.FeatureCAPE, Coefficient: ptr(-0.2202)},
				{Feature: derive.FeatureLapse, Base: ptr(0.8399)},
				{Feature: FeatureBurned3to8y, Coefficient: ptr(0.1756)},
				{Feature: derive.FeatureDC, Coefficient: ptr(0.2365)},
			},
		},
	}
}

func leaf(id int, v float64) *TreeNode { return &TreeNode{NodeID: id, Leaf: ptr(v)} }

func split(id int, feature string, threshold float64, yes, no, missing *TreeNode) *TreeNode {
	return &TreeNode{
		NodeID: id, Split: feature, SplitCondition: threshold,
		Yes: yes.NodeID, No: no.NodeID, Missing: missing.NodeID,
		Children: []*TreeNode{yes, no},
	}
}

// DevelopmentComplexArtifact is a small boosted ensemble over the complex
// feature set. It lets the service run end to end before the trained
// ensemble is exported into MODEL_DIR.
func DevelopmentComplexArtifact() *Artifact {
	t0n1 := leaf(1, -0.35)
	t0n2 := split(2, derive.FeatureWind100, 25, leaf(3, 0.10), leaf(4, 0.55), leaf(3, 0.10))
	t1n1 := split(1, derive.FeatureFWI, 30, leaf(3, -0.20), leaf(4, 0.30), leaf(3, -0.20))
	t1n2 := leaf(2, -0.45)
	t2n1 := leaf(1, 0.25)
	t2n2 := split(2, FeatureFuelLoad, 1.5, leaf(3, -0.15), leaf(4, 0.05), leaf(4, 0.05))
	t3n1 := leaf(1, 0.12)
	t3n2 := leaf(2, -0.18)

	return &Artifact{
		SchemaVersion: SchemaVersion,
		Choice:        domain.ModelComplex,
		Kind:          KindTreeEnsemble,
		Description:   "Development gradient-boosted ensemble",
		Features:      append([]string(nil), ComplexFeatures...),
		Transforms: map[string]Transform{
			FeatureBurned3to8y: {Kind: TransformLog, Floor: 1e-3},
		},
		ResidualStd: 0.48,
		Formulas:    formulasFor(ComplexFeatures),
		Trees: &TreeEnsembleSpec{
			BaseScore: 2.1,
			Trees: []*TreeNode{
				split(0, FeatureDuration, 3, t0n1, t0n2, t0n2),
				split(0, derive.FeatureSoil100, 0.2, t1n1, t1n2, t1n1),
				split(0, FeatureFireStart, 60, t2n1, t2n2, t2n2),
				split(0, FeatureBurned3to8y, -2.3, t3n1, t3n2, t3n2),
			},
		},
	}
}

// WriteArtifact validates a and writes it as indented JSON.
func WriteArtifact(path string, a *Artifact) error {
	if _, err := Build(a); err != nil {
		return fmt.Errorf("refusing to write invalid artifact: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

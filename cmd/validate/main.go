// Command validate checks a deployment's model artifacts and raster
// directory before the service is started against them. It verifies that
// every artifact parses and builds, that the linear artifact reproduces the
// published reference scenario, that every model feature can be assembled,
// and that the rasters the assembler reads are present and sampled at a
// known inland point.
//
// Usage:
//
//	go run ./cmd/validate -models-dir models -raster-dir data/rasters
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/features"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/raster"
)

// probe is an inland point every raster is expected to cover.
var probe = domain.Location{Lat: 40.2, Lon: -8.4}

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	modelsDir := flag.String("models-dir", "models", "directory containing model artifacts")
	rasterDir := flag.String("raster-dir", "data/rasters", "directory containing GeoTIFF rasters")
	year := flag.Int("year", 2017, "fire year used to probe fuel load maps")
	flag.Parse()

	os.Exit(run(*modelsDir, *rasterDir, *year))
}

func run(modelsDir, rasterDir string, year int) int {
	fmt.Println("=== Wildfire ROS Deployment Validation ===")
	fmt.Println()

	artifacts, loadPhase := loadArtifacts(modelsDir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rasters, err := raster.NewReader(rasterDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open rasters: %v\n", err)
		return 1
	}
	defer rasters.Close()

	phases := []*phase{
		loadPhase,
		validateReference(artifacts),
		validateFeatures(artifacts),
		validateRasters(artifacts, rasters, year),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Artifacts: %d, rasters: %d\n", len(artifacts), len(rasters.Names()))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// loadArtifacts reads and builds every *.json artifact in dir.
func loadArtifacts(dir string) (map[domain.ModelChoice]*model.Model, *phase) {
	p := &phase{name: "Artifacts parse and build"}
	out := make(map[domain.ModelChoice]*model.Model)

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		p.errorf("scan %s: %v", dir, err)
		return out, p
	}
	if len(paths) == 0 {
		p.errorf("no artifacts in %s", dir)
	}
	for _, path := range paths {
		a, err := model.ReadArtifact(path)
		if err != nil {
			p.errorf("%s: %v", filepath.Base(path), err)
			continue
		}
		m, err := model.Build(a)
		if err != nil {
			p.errorf("%s: %v", filepath.Base(path), err)
			continue
		}
		if _, dup := out[a.Choice]; dup {
			p.errorf("%s: duplicate artifact for model %q", filepath.Base(path), a.Choice)
			continue
		}
		out[a.Choice] = m
	}
	return out, p
}

// validateReference checks the linear artifact against the published example.
func validateReference(models map[domain.ModelChoice]*model.Model) *phase {
	p := &phase{name: "Linear model reproduces reference"}
	m, ok := models[domain.ModelLinear]
	if !ok {
		p.errorf("no linear artifact loaded")
		return p
	}
	pred, err := m.Predict(model.LinearReferenceVector())
	if err != nil {
		p.errorf("predict: %v", err)
		return p
	}
	if rel := math.Abs(pred.ROS-model.LinearReferenceROS) / model.LinearReferenceROS; rel > 1e-3 {
		p.errorf("ROS %.4f differs from reference %.4f (relative error %.2e)", pred.ROS, model.LinearReferenceROS, rel)
	}
	if math.Abs(math.Exp(pred.LogValue)-pred.ROS) > 1e-9*pred.ROS {
		p.errorf("log value %.6f does not round-trip to ROS %.6f", pred.LogValue, pred.ROS)
	}
	return p
}

// validateFeatures checks that every model feature has a resolver.
func validateFeatures(models map[domain.ModelChoice]*model.Model) *phase {
	p := &phase{name: "Model features are assemblable"}
	for choice, m := range models {
		for _, f := range m.Features() {
			if !features.Known(f) {
				p.errorf("%s: feature %q has no source", choice, f)
			}
		}
	}
	return p
}

// validateRasters probes every raster a loaded model reads.
func validateRasters(models map[domain.ModelChoice]*model.Model, rasters *raster.Reader, year int) *phase {
	p := &phase{name: "Rasters present and readable"}

	needed := map[string]bool{}
	fuel := false
	for _, m := range models {
		for _, f := range m.Features() {
			switch f {
			case model.FeatureBurned3to8y, raster.VarBurned8ny:
				needed[f] = true
			case model.FeatureFuelLoad:
				fuel = true
			}
		}
	}
	names := make([]string, 0, len(needed))
	for n := range needed {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		if !rasters.Has(name) {
			p.errorf("missing raster %q", name)
			continue
		}
		rv, err := rasters.Value(name, probe)
		if err != nil {
			p.errorf("%s at %s: %v", name, probe, err)
			continue
		}
		fmt.Printf("  %-24s %10.4f at %s\n", name, *rv.Value, probe)
	}
	if fuel {
		v, used, err := rasters.FuelLoad(probe, year)
		if err != nil {
			p.errorf("fuel load for %d: %v", year, err)
		} else {
			fmt.Printf("  %-24s %10.4f at %s (map year %d)\n", model.FeatureFuelLoad, v, probe, used)
		}
	}
	for _, name := range []string{raster.VarElevation, raster.VarSlope, raster.VarAspect} {
		if !rasters.Has(name) {
			fmt.Printf("  %-24s %10s (optional, location data only)\n", name, "absent")
		}
	}
	return p
}

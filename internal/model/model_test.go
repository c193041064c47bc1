package model

import (
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func referenceVector() domain.FeatureVector {
	return LinearReferenceVector()
}

func mustBuild(t *testing.T, a *Artifact) *Model {
	t.Helper()
	m, err := Build(a)
	require.NoError(t, err)
	return m
}

func TestLinearReferenceScenario(t *testing.T) {
	m := mustBuild(t, ReferenceLinearArtifact())

	p, err := m.Predict(referenceVector())
	require.NoError(t, err)

	// 511.55 * 1.2513^3.2 * 1.1181^18 * 0.6305^4 * 60^-0.2202 * 0.8399^6.1 * 0.15^0.1756 * 420^0.2365
	const want = 517.3639364960567
	assert.InEpsilon(t, want, p.ROS, 1e-3)
	assert.InDelta(t, 6.248746565923478, p.LogValue, 1e-6)
	assert.InEpsilon(t, want*(math.Exp(0.62)-1), p.ErrorEstimate, 1e-3)
}

func TestLinearLogFloor(t *testing.T) {
	m := mustBuild(t, ReferenceLinearArtifact())
	fv := referenceVector()
	fv[derive.FeatureCAPE] = 0

	p, err := m.Predict(fv)
	require.NoError(t, err)
	// CAPE below the floor contributes 1^-0.2202 = 1.
	assert.InEpsilon(t, 1274.5153128381194, p.ROS, 1e-3)
}

func TestPredictRoundTrip(t *testing.T) {
	m := mustBuild(t, ReferenceLinearArtifact())
	p, err := m.Predict(referenceVector())
	require.NoError(t, err)
	assert.InDelta(t, p.LogValue, math.Log(p.ROS), 1e-12)
}

func TestBaseAndCoefficientEquivalent(t *testing.T) {
	a := ReferenceLinearArtifact()
	b := ReferenceLinearArtifact()
	b.LogLinear.Scale = nil
	b.LogLinear.Intercept = ptr(math.Log(511.55))
	for i, term := range b.LogLinear.Terms {
		if term.Base != nil {
			b.LogLinear.Terms[i] = Term{Feature: term.Feature, Coefficient: ptr(math.Log(*term.Base))}
		}
	}

	pa, err := mustBuild(t, a).Predict(referenceVector())
	require.NoError(t, err)
	pb, err := mustBuild(t, b).Predict(referenceVector())
	require.NoError(t, err)
	assert.InDelta(t, pa.LogValue, pb.LogValue, 1e-12)
}

func TestPredictFeatureMismatch(t *testing.T) {
	m := mustBuild(t, ReferenceLinearArtifact())

	tests := []struct {
		name   string
		mutate func(domain.FeatureVector)
	}{
		{"missing", func(fv domain.FeatureVector) { delete(fv, derive.FeatureDC) }},
		{"extra", func(fv domain.FeatureVector) { fv["f_load_av"] = 1 }},
		{"nan", func(fv domain.FeatureVector) { fv[derive.FeatureHDW] = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv := referenceVector()
			tt.mutate(fv)
			p, err := m.Predict(fv)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindFeatureMismatch))
			assert.Zero(t, p)
		})
	}
}

func TestValidateRejectsFormulaMismatch(t *testing.T) {
	a := ReferenceLinearArtifact()
	a.Formulas[derive.FeatureHDW] = "mean(vpd_hpa[magnus(a=17.27,b=237.3,c=6.1078)]*hypot(u10,v10)_ms)"
	err := a.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "formula mismatch")
	assert.Contains(t, err.Error(), derive.FeatureHDW)

	a = ReferenceLinearArtifact()
	delete(a.Formulas, derive.FeatureDC)
	require.ErrorContains(t, a.Validate(), "no recorded formula")
}

func TestValidateStructure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Artifact)
		want   string
	}{
		{"schema", func(a *Artifact) { a.SchemaVersion = 2 }, "schema_version"},
		{"choice", func(a *Artifact) { a.Choice = "xgboost" }, "unknown model choice"},
		{"duplicate feature", func(a *Artifact) { a.Features = append(a.Features, FeatureDuration) }, "duplicate feature"},
		{"transform target", func(a *Artifact) { a.Transforms["nope"] = Transform{Kind: TransformLog, Floor: 1} }, "unknown feature"},
		{"transform floor", func(a *Artifact) { a.Transforms[derive.FeatureCAPE] = Transform{Kind: TransformLog} }, "positive floor"},
		{"residual", func(a *Artifact) { a.ResidualStd = -1 }, "negative residual_std"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ReferenceLinearArtifact()
			tt.mutate(a)
			require.ErrorContains(t, a.Validate(), tt.want)
		})
	}
}

func TestLogLinearRequiresEveryTerm(t *testing.T) {
	a := ReferenceLinearArtifact()
	a.LogLinear.Terms = a.LogLinear.Terms[:6]
	_, err := Build(a)
	require.ErrorContains(t, err, "no term for feature")

	a = ReferenceLinearArtifact()
	a.LogLinear.Intercept = ptr(1)
	_, err = Build(a)
	require.ErrorContains(t, err, "not both")
}

func TestTreeEnsemble(t *testing.T) {
	m := mustBuild(t, DevelopmentComplexArtifact())
	fv := domain.FeatureVector{
		FeatureDuration:       5,
		derive.FeatureSoil100: 0.1,
		FeatureBurned3to8y:    0.05,
		FeatureFuelLoad:       2,
		FeatureFireStart:      30,
		derive.FeatureFWI:     40,
		derive.FeatureWind100: 30,
	}

	p, err := m.Predict(fv)
	require.NoError(t, err)
	// tree0: duration 5 >= 3 -> wv100 30 >= 25 -> 0.55
	// tree1: sW 0.1 < 0.2 -> FWI 40 >= 30 -> 0.30
	// tree2: f_start 30 < 60 -> 0.25
	// tree3: ln(0.05) = -3.0 < -2.3 -> 0.12
	assert.InDelta(t, 2.1+0.55+0.30+0.25+0.12, p.LogValue, 1e-9)
}

func TestTreeMissingBranch(t *testing.T) {
	m := mustBuild(t, DevelopmentComplexArtifact())
	nodes := m.pred.(*treeEnsemble).trees[0]
	x := make([]float64, len(ComplexFeatures))
	x[0] = math.NaN()
	x[6] = 10
	// NaN duration follows missing to node 2, then wv100 10 < 25 -> 0.10
	assert.InDelta(t, 0.10, walkTree(nodes, x), 1e-12)
}

func TestCompileTreeRejectsBadReferences(t *testing.T) {
	a := DevelopmentComplexArtifact()
	a.Trees.Trees[0].Missing = 9
	_, err := Build(a)
	require.ErrorContains(t, err, "bad child reference")

	a = DevelopmentComplexArtifact()
	a.Trees.Trees[1].Split = "f42"
	_, err = Build(a)
	require.ErrorContains(t, err, "unknown split feature")

	a = DevelopmentComplexArtifact()
	a.Trees.Trees[2].NodeID = 5
	_, err = Build(a)
	require.ErrorContains(t, err, "root must be node 0")
}

func TestResolvePositionalFeature(t *testing.T) {
	i, err := resolveFeature("f3", featureIndex(ComplexFeatures), len(ComplexFeatures))
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	i, err = resolveFeature("f_start", featureIndex(ComplexFeatures), len(ComplexFeatures))
	require.NoError(t, err)
	assert.Equal(t, 4, i)
}

func TestTransforms(t *testing.T) {
	assert.InDelta(t, 5.0, Transform{}.Apply(5), 0)
	assert.InDelta(t, math.Log(2), Transform{Kind: TransformLog, Floor: 1}.Apply(2), 1e-12)
	assert.InDelta(t, 0.0, Transform{Kind: TransformLog, Floor: 1}.Apply(-4), 1e-12)
	assert.InDelta(t, 2.0, Transform{Kind: TransformStandardize, Mean: 1, Scale: 0.5}.Apply(2), 1e-12)
	assert.InDelta(t, 1.0, Transform{Kind: TransformLogStandardize, Floor: 1, Mean: 0, Scale: 1}.Apply(math.E), 1e-12)
	require.Error(t, Transform{Kind: "sqrt"}.validate())
	require.Error(t, Transform{Kind: TransformStandardize}.validate())
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifact(filepath.Join(dir, "linear.json"), ReferenceLinearArtifact()))
	require.NoError(t, WriteArtifact(filepath.Join(dir, "complex.json"), DevelopmentComplexArtifact()))

	metrics := observability.NewMetricsForTesting()
	reg, err := LoadDir(dir, discardLogger(), metrics)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.ModelsLoaded), 0)

	feats, err := reg.Features(domain.ModelComplex)
	require.NoError(t, err)
	assert.Equal(t, ComplexFeatures, feats)

	p, err := reg.Predict(domain.ModelLinear, referenceVector())
	require.NoError(t, err)
	assert.InEpsilon(t, 517.3639364960567, p.ROS, 1e-3)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, domain.ModelLinear, infos[0].Name)
	assert.Equal(t, KindTreeEnsemble, infos[1].Kind)
}

func TestRegistryMissingModel(t *testing.T) {
	reg, err := NewRegistry(nil, mustBuild(t, ReferenceLinearArtifact()))
	require.NoError(t, err)
	_, err = reg.Predict(domain.ModelComplex, domain.FeatureVector{})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestRegistryDuplicateChoice(t *testing.T) {
	_, err := NewRegistry(nil, mustBuild(t, ReferenceLinearArtifact()), mustBuild(t, ReferenceLinearArtifact()))
	require.ErrorContains(t, err, "duplicate model")
}

func TestLoadDirRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"choice":"linear","bogus":true}`), 0o644))
	_, err := LoadDir(dir, discardLogger(), nil)
	require.ErrorContains(t, err, "bogus")
}

func TestRepositoryArtifactsLoad(t *testing.T) {
	reg, err := LoadDir(filepath.Join("..", "..", "models"), discardLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	p, err := reg.Predict(domain.ModelLinear, referenceVector())
	require.NoError(t, err)
	assert.InEpsilon(t, 517.3639364960567, p.ROS, 1e-3)
}

func TestReadArtifact_Errors(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.json")
	_, err := ReadArtifact(missing)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "read model artifact "+missing)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte(`{"choice": "linear",`), 0o644))
	_, err = ReadArtifact(corrupt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode model artifact "+corrupt)
}

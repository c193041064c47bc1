package model

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
)

type predictor interface {
	predictLog(x []float64) float64
}

// builders dispatches on Artifact.Kind.
var builders = map[string]func(*Artifact) (predictor, error){
	KindLogLinear:    newLogLinear,
	KindTreeEnsemble: newTreeEnsemble,
}

// Model is a loaded, immutable artifact ready for inference.
type Model struct {
	Artifact *Artifact
	Path     string
	pred     predictor
}

// Build compiles an artifact into a Model.
func Build(a *Artifact) (*Model, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	build, ok := builders[a.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", a.Kind)
	}
	p, err := build(a)
	if err != nil {
		return nil, fmt.Errorf("%s model: %w", a.Kind, err)
	}
	return &Model{Artifact: a, pred: p}, nil
}

// Features returns the ordered feature names the model expects.
func (m *Model) Features() []string { return m.Artifact.Features }

// Prediction is the output of one inference.
type Prediction struct {
	LogValue      float64 // ln(ROS)
	ROS           float64 // m/min
	ErrorEstimate float64 // m/min, one residual standard deviation above
}

// Predict evaluates the model on fv.
func (m *Model) Predict(fv domain.FeatureVector) (Prediction, error) {
	choice := string(m.Artifact.Choice)
	x, err := fv.Ordered(choice, m.Artifact.Features)
	if err != nil {
		return Prediction{}, err
	}
	for i, name := range m.Artifact.Features {
		if tr, ok := m.Artifact.Transforms[name]; ok {
			x[i] = tr.Apply(x[i])
		}
	}
	logValue := m.pred.predictLog(x)
	if math.IsNaN(logValue) || math.IsInf(logValue, 0) {
		return Prediction{}, domain.NewError(domain.KindInternal, "model "+choice, "non-finite prediction")
	}
	ros := math.Exp(logValue)
	return Prediction{
		LogValue:      logValue,
		ROS:           ros,
		ErrorEstimate: ros * (math.Exp(m.Artifact.ResidualStd) - 1),
	}, nil
}

// Registry holds the models available to the service, keyed by choice. It
// is immutable after LoadDir returns.
type Registry struct {
	models  map[domain.ModelChoice]*Model
	metrics *observability.Metrics
}

// NewRegistry builds a registry from already-compiled models.
func NewRegistry(metrics *observability.Metrics, models ...*Model) (*Registry, error) {
	r := &Registry{models: make(map[domain.ModelChoice]*Model), metrics: metrics}
	for _, m := range models {
		if _, dup := r.models[m.Artifact.Choice]; dup {
			return nil, fmt.Errorf("duplicate model for %q", m.Artifact.Choice)
		}
		r.models[m.Artifact.Choice] = m
	}
	if metrics != nil {
		metrics.ModelsLoaded.Set(float64(len(r.models)))
	}
	return r, nil
}

// LoadDir loads every *.json artifact in dir. Any invalid artifact fails the
// whole load so the service never starts with a model it cannot trust.
func LoadDir(dir string, logger *slog.Logger, metrics *observability.Metrics) (*Registry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan model dir: %w", err)
	}
	sort.Strings(paths)
	models := make([]*Model, 0, len(paths))
	for _, path := range paths {
		a, err := ReadArtifact(path)
		if err != nil {
			return nil, err
		}
		m, err := Build(a)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		m.Path = path
		models = append(models, m)
		logger.Info("model loaded", "choice", a.Choice, "kind", a.Kind, "features", len(a.Features), "path", path)
	}
	return NewRegistry(metrics, models...)
}

// Len returns the number of loaded models.
func (r *Registry) Len() int { return len(r.models) }

// Get returns the model for choice.
func (r *Registry) Get(choice domain.ModelChoice) (*Model, error) {
	m, ok := r.models[choice]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "model", "model %q is not loaded", choice)
	}
	return m, nil
}

// Features returns the feature list for choice.
func (r *Registry) Features(choice domain.ModelChoice) ([]string, error) {
	m, err := r.Get(choice)
	if err != nil {
		return nil, err
	}
	return m.Features(), nil
}

// Predict runs the chosen model on fv.
func (r *Registry) Predict(choice domain.ModelChoice, fv domain.FeatureVector) (Prediction, error) {
	m, err := r.Get(choice)
	if err != nil {
		return Prediction{}, err
	}
	start := time.Now()
	p, err := m.Predict(fv)
	if r.metrics != nil {
		r.metrics.PredictionDuration.WithLabelValues(string(choice)).Observe(time.Since(start).Seconds())
	}
	return p, err
}

// Info describes a loaded model for listing endpoints.
type Info struct {
	Name        domain.ModelChoice `json:"name"`
	Kind        string             `json:"kind"`
	Description string             `json:"description,omitempty"`
	Features    []string           `json:"features"`
	ResidualStd float64            `json:"residual_std"`
}

// List describes every loaded model in choice order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.models))
	for _, c := range domain.ModelChoices {
		m, ok := r.models[c]
		if !ok {
			continue
		}
		out = append(out, Info{
			Name:        c,
			Kind:        m.Artifact.Kind,
			Description: m.Artifact.Description,
			Features:    m.Artifact.Features,
			ResidualStd: m.Artifact.ResidualStd,
		})
	}
	return out
}

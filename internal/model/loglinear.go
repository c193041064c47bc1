package model

import (
	"errors"
	"fmt"
	"math"
)

// LogLinearSpec is ln(ROS) = intercept + sum(coefficient * transform(x)).
//
// Terms fitted as multiplicative factors may give Base instead of
// Coefficient (coefficient = ln Base), and the intercept may be given as a
// multiplicative Scale (intercept = ln Scale).
type LogLinearSpec struct {
	Intercept *float64 `json:"intercept,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
	Terms     []Term   `json:"terms"`
}

// Term is one additive contribution in log space.
type Term struct {
	Feature     string   `json:"feature"`
	Coefficient *float64 `json:"coefficient,omitempty"`
	Base        *float64 `json:"base,omitempty"`
}

type logLinear struct {
	intercept float64
	coefs     []float64 // aligned with artifact features
}

func newLogLinear(a *Artifact) (predictor, error) {
	spec := a.LogLinear
	if spec == nil {
		return nil, errors.New("missing loglinear section")
	}
	m := &logLinear{coefs: make([]float64, len(a.Features))}
	switch {
	case spec.Intercept != nil && spec.Scale != nil:
		return nil, errors.New("give intercept or scale, not both")
	case spec.Intercept != nil:
		m.intercept = *spec.Intercept
	case spec.Scale != nil:
		if *spec.Scale <= 0 {
			return nil, errors.New("scale must be positive")
		}
		m.intercept = math.Log(*spec.Scale)
	default:
		return nil, errors.New("missing intercept")
	}

	index := featureIndex(a.Features)
	covered := make([]bool, len(a.Features))
	for _, term := range spec.Terms {
		i, ok := index[term.Feature]
		if !ok {
			return nil, fmt.Errorf("term for unknown feature %q", term.Feature)
		}
		if covered[i] {
			return nil, fmt.Errorf("duplicate term for %q", term.Feature)
		}
		covered[i] = true
		switch {
		case term.Coefficient != nil && term.Base != nil:
			return nil, fmt.Errorf("term %q: give coefficient or base, not both", term.Feature)
		case term.Coefficient != nil:
			m.coefs[i] = *term.Coefficient
		case term.Base != nil:
			if *term.Base <= 0 {
				return nil, fmt.Errorf("term %q: base must be positive", term.Feature)
			}
			m.coefs[i] = math.Log(*term.Base)
		default:
			return nil, fmt.Errorf("term %q: missing coefficient", term.Feature)
		}
	}
	for i, ok := range covered {
		if !ok {
			return nil, fmt.Errorf("no term for feature %q", a.Features[i])
		}
	}
	return m, nil
}

func (m *logLinear) predictLog(x []float64) float64 {
	sum := m.intercept
	for i, c := range m.coefs {
		sum += c * x[i]
	}
	return sum
}

func featureIndex(features []string) map[string]int {
	idx := make(map[string]int, len(features))
	for i, f := range features {
		idx[f] = i
	}
	return idx
}

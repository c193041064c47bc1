package model

import (
	"errors"
	"fmt"
	"math"
)

// Transform kinds.
const (
	TransformIdentity       = "identity"
	TransformLog            = "log"
	TransformStandardize    = "standardize"
	TransformLogStandardize = "log_standardize"
)

// Transform is the preprocessing applied to one feature before it enters
// the model. Log transforms clamp inputs below Floor to Floor.
type Transform struct {
	Kind  string  `json:"kind"`
	Floor float64 `json:"floor,omitempty"`
	Mean  float64 `json:"mean,omitempty"`
	Scale float64 `json:"scale,omitempty"`
}

func (t Transform) validate() error {
	switch t.Kind {
	case "", TransformIdentity:
		return nil
	case TransformLog:
		return t.validateFloor()
	case TransformStandardize:
		return t.validateScale()
	case TransformLogStandardize:
		if err := t.validateFloor(); err != nil {
			return err
		}
		return t.validateScale()
	}
	return fmt.Errorf("unknown kind %q", t.Kind)
}

func (t Transform) validateFloor() error {
	if t.Floor <= 0 {
		return errors.New("log transform needs a positive floor")
	}
	return nil
}

func (t Transform) validateScale() error {
	if t.Scale == 0 {
		return errors.New("standardize needs a non-zero scale")
	}
	return nil
}

// Apply maps a raw feature value into model space.
func (t Transform) Apply(x float64) float64 {
	switch t.Kind {
	case TransformLog:
		return safeLog(x, t.Floor)
	case TransformStandardize:
		return (x - t.Mean) / t.Scale
	case TransformLogStandardize:
		return (safeLog(x, t.Floor) - t.Mean) / t.Scale
	default:
		return x
	}
}

func safeLog(x, floor float64) float64 {
	return math.Log(math.Max(x, floor))
}

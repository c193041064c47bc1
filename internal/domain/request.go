package domain

import (
	"fmt"
	"strings"
	"time"
)

// ModelChoice selects a trained regression model.
type ModelChoice string

const (
	ModelLinear  ModelChoice = "linear"
	ModelComplex ModelChoice = "complex"
)

// ModelChoices lists every supported model in display order.
var ModelChoices = []ModelChoice{ModelLinear, ModelComplex}

// ParseModelChoice accepts a case-insensitive model name. Empty selects linear.
func ParseModelChoice(s string) (ModelChoice, error) {
	switch ModelChoice(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModelLinear:
		return ModelLinear, nil
	case ModelComplex:
		return ModelComplex, nil
	}
	return "", ValidationError("model", "unknown model %q (want linear or complex)", s)
}

// Source identifies a weather data provider.
type Source string

const (
	SourceOpenMeteo Source = "openmeteo"
	SourceCDS       Source = "cds"
)

// Dataset returns the dataset label reported alongside observations.
func (s Source) Dataset() string {
	switch s {
	case SourceOpenMeteo:
		return "open-meteo"
	case SourceCDS:
		return "era5"
	}
	return string(s)
}

// ParseSource accepts a provider name. Empty returns def.
func ParseSource(s string, def Source) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case SourceOpenMeteo, "open-meteo":
		return SourceOpenMeteo, nil
	case SourceCDS, "era5":
		return SourceCDS, nil
	}
	return "", ValidationError("api", "unknown weather source %q (want openmeteo or cds)", s)
}

// PredictionRequest is a single-point ROS prediction request.
type PredictionRequest struct {
	Location             Location
	FireStart            time.Time
	DurationHours        float64
	MinutesSinceIgnition float64
	Model                ModelChoice
	Source               Source
}

// EarliestFireStart is the first fire start the service has inputs for.
var EarliestFireStart = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultMaxDurationHours bounds the fire duration a request may ask for.
const DefaultMaxDurationHours = 72

// LatestFireStart returns the most recent accepted fire start for now.
func LatestFireStart(now time.Time) time.Time {
	return now.UTC().AddDate(0, -3, 0)
}

// Validate checks the request against the accepted domain at time now.
func (r PredictionRequest) Validate(now time.Time, maxDurationHours float64) error {
	if !r.Location.InExtent(PortugalExtent) {
		return ValidationError("location", "%s is outside continental Portugal", r.Location)
	}
	if r.FireStart.IsZero() {
		return ValidationError("fire_start", "is required")
	}
	start := r.FireStart.UTC()
	if start.Before(EarliestFireStart) {
		return ValidationError("fire_start", "%s is before %s", start.Format(time.DateOnly), EarliestFireStart.Format(time.DateOnly))
	}
	if latest := LatestFireStart(now); start.After(latest) {
		return ValidationError("fire_start", "%s is after %s (must be at least 3 months old)",
			start.Format(time.RFC3339), latest.Format(time.RFC3339))
	}
	if maxDurationHours <= 0 {
		maxDurationHours = DefaultMaxDurationHours
	}
	if r.DurationHours <= 0 {
		return ValidationError("duration_hours", "must be positive, got %g", r.DurationHours)
	}
	if r.DurationHours > maxDurationHours {
		return ValidationError("duration_hours", "must be at most %g, got %g", maxDurationHours, r.DurationHours)
	}
	if r.MinutesSinceIgnition < 0 {
		return ValidationError("time_since_ignition", "must not be negative, got %g", r.MinutesSinceIgnition)
	}
	switch r.Model {
	case ModelLinear, ModelComplex:
	default:
		return ValidationError("model", "unknown model %q", r.Model)
	}
	return nil
}

// Hours returns the whole number of hourly steps the request spans.
// Partial hours round up so a 30 minute fire still averages one hour.
func (r PredictionRequest) Hours() int {
	h := int(r.DurationHours)
	if float64(h) < r.DurationHours {
		h++
	}
	return max(h, 1)
}

// Signature is a stable identifier for the full request, used as the result
// cache variant. It carries the exact coordinates because static features
// are read per raster pixel, finer than the rounded cache location.
func (r PredictionRequest) Signature() string {
	return fmt.Sprintf("%s_d%g_i%g_%s_%.6f_%.6f", r.Model, r.DurationHours, r.MinutesSinceIgnition, r.Source,
		r.Location.Lat, r.Location.Lon)
}

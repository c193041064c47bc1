// Package features builds model feature vectors from a request, weather
// observations and static rasters.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/raster"
)

// WeatherSource supplies hourly observations.
type WeatherSource interface {
	FetchSeries(ctx context.Context, loc domain.Location, start time.Time, hours int, preferred domain.Source) ([]domain.WeatherObservation, domain.Source, error)
}

// RasterSource supplies static raster values.
type RasterSource interface {
	Value(variable string, loc domain.Location) (domain.RasterVariable, error)
	FuelLoad(loc domain.Location, year int) (float64, int, error)
}

// Inputs are the request facts a feature vector is built from.
type Inputs struct {
	Location             domain.Location
	FireStart            time.Time
	DurationHours        float64
	MinutesSinceIgnition float64
	Source               domain.Source
}

// InputsFrom extracts assembler inputs from a prediction request.
func InputsFrom(r domain.PredictionRequest) Inputs {
	return Inputs{
		Location:             r.Location,
		FireStart:            r.FireStart,
		DurationHours:        r.DurationHours,
		MinutesSinceIgnition: r.MinutesSinceIgnition,
		Source:               r.Source,
	}
}

// hours is the number of hourly observations averaged for the fire duration.
func (in Inputs) hours() int {
	return domain.PredictionRequest{DurationHours: in.DurationHours}.Hours()
}

type resolverKind int

const (
	fromRequest resolverKind = iota
	fromWeather
	fromRaster
	fromFuel
)

// resolvers maps every feature a model may name to where it comes from.
var resolvers = func() map[string]resolverKind {
	m := map[string]resolverKind{
		model.FeatureDuration:    fromRequest,
		model.FeatureFireStart:   fromRequest,
		model.FeatureBurned3to8y: fromRaster,
		raster.VarBurned8ny:      fromRaster,
		model.FeatureFuelLoad:    fromFuel,
	}
	for _, name := range derive.WeatherFeatures {
		m[name] = fromWeather
	}
	return m
}()

// Known reports whether name can be assembled.
func Known(name string) bool {
	_, ok := resolvers[name]
	return ok
}

// Assembler resolves named features for a request.
type Assembler struct {
	weather WeatherSource
	rasters RasterSource
	logger  *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(weather WeatherSource, rasters RasterSource, logger *slog.Logger) *Assembler {
	return &Assembler{weather: weather, rasters: rasters, logger: logger}
}

// Assemble resolves every name. Weather is fetched only when a weather
// feature is requested, once per call. The returned source is empty when no
// weather was needed.
func (a *Assembler) Assemble(ctx context.Context, names []string, in Inputs) (domain.FeatureVector, domain.Source, error) {
	for _, name := range names {
		if !Known(name) {
			return nil, "", domain.FeatureMismatchError("assembler", "unknown feature %q", name)
		}
	}

	var (
		averages map[string]float64
		source   domain.Source
	)
	fv := make(domain.FeatureVector, len(names))
	for _, name := range names {
		var (
			v   float64
			err error
		)
		switch resolvers[name] {
		case fromRequest:
			v = a.requestFeature(name, in)
		case fromRaster:
			v, err = a.rasterFeature(name, in.Location)
		case fromFuel:
			v, err = a.fuelFeature(in)
		case fromWeather:
			if averages == nil {
				averages, source, err = a.weatherAverages(ctx, in)
				if err != nil {
					return nil, "", err
				}
			}
			v, err = a.weatherFeature(name, averages, in.Location)
		}
		if err != nil {
			return nil, "", err
		}
		fv[name] = v
	}
	return fv, source, nil
}

func (a *Assembler) requestFeature(name string, in Inputs) float64 {
	if name == model.FeatureFireStart {
		return in.MinutesSinceIgnition
	}
	return in.DurationHours
}

func (a *Assembler) rasterFeature(name string, loc domain.Location) (float64, error) {
	rv, err := a.rasters.Value(name, loc)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return 0, domain.DataGapError(name, "raster not available")
		}
		return 0, err
	}
	return *rv.Value, nil
}

func (a *Assembler) fuelFeature(in Inputs) (float64, error) {
	v, year, err := a.rasters.FuelLoad(in.Location, in.FireStart.UTC().Year())
	if err != nil {
		return 0, err
	}
	if year != in.FireStart.UTC().Year() {
		a.logger.Debug("fuel load from substitute map", "requested_year", in.FireStart.UTC().Year(), "used_year", year)
	}
	return v, nil
}

func (a *Assembler) weatherAverages(ctx context.Context, in Inputs) (map[string]float64, domain.Source, error) {
	series, src, err := a.weather.FetchSeries(ctx, in.Location, in.FireStart, in.hours(), in.Source)
	if err != nil {
		return nil, "", err
	}
	return derive.Average(series), src, nil
}

// weatherFeature returns the averaged value. Fire indices the provider did
// not supply fall back to the static raster of the same name.
func (a *Assembler) weatherFeature(name string, averages map[string]float64, loc domain.Location) (float64, error) {
	if v, ok := averages[name]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v, nil
	}
	if name == derive.FeatureFWI || name == derive.FeatureDC {
		v, err := a.rasterFeature(name, loc)
		if err == nil {
			return v, nil
		}
		if !domain.IsKind(err, domain.KindDataGap) {
			return 0, err
		}
	}
	return 0, domain.DataGapError(name, fmt.Sprintf("no valid hourly value at %s", loc))
}

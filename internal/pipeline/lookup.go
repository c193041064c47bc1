package pipeline

import (
	"context"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/raster"
)

// LocationData is the weather and static context for one point and hour.
type LocationData struct {
	Location    domain.Location `json:"-"`
	Time        time.Time       `json:"-"`
	Topography  Topography      `json:"topography"`
	Meteorology Meteorology     `json:"meteorology"`
	FuelLoad    *float64        `json:"fuel_load"`
	FuelYear    *int            `json:"fuel_year"`
	Burned3to8y *float64        `json:"burned_3_8y"`
	Burned8ny   *float64        `json:"burned_8_ny"`
	APIUsed     domain.Source   `json:"api_used"`
}

// Topography holds terrain values; nil when the raster has no value.
type Topography struct {
	Elevation *float64 `json:"elevation"`
	Slope     *float64 `json:"slope"`
	Aspect    *float64 `json:"aspect"`
}

// Meteorology summarises one observation for display.
type Meteorology struct {
	Temperature    *float64 `json:"temperature"`    // °C at 2 m
	Humidity       *float64 `json:"humidity"`       // % relative humidity
	WindSpeed      *float64 `json:"wind_speed"`     // km/h at 10 m
	WindDirection  *float64 `json:"wind_direction"` // degrees, direction the wind blows from
	CloudCover     *float64 `json:"cloud_cover,omitempty"`
	SolarRadiation *float64 `json:"solar_radiation,omitempty"`
}

// LocationData fetches weather for the hour containing t (now when zero)
// and reads every static raster at loc.
func (o *Orchestrator) LocationData(ctx context.Context, loc domain.Location, t time.Time, preferred domain.Source) (LocationData, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	run := o.begin("location-data")
	if !loc.InExtent(domain.PortugalExtent) {
		return LocationData{}, run.fail(ctx, domain.ValidationError("location", "%s is outside continental Portugal", loc))
	}
	if t.IsZero() {
		t = o.clock.Now()
	}
	if preferred == "" {
		preferred = o.opts.DefaultSource
	}
	run.advance(StateValidated)

	obs, src, err := o.deps.Weather.Fetch(ctx, loc, t, preferred)
	if err != nil {
		return LocationData{}, run.fail(ctx, err)
	}
	run.advance(StateDataAssembled, "source", src)

	out := LocationData{
		Location: loc,
		Time:     t.UTC().Truncate(time.Hour),
		Topography: Topography{
			Elevation: o.optionalRaster(raster.VarElevation, loc),
			Slope:     o.optionalRaster(raster.VarSlope, loc),
			Aspect:    o.optionalRaster(raster.VarAspect, loc),
		},
		Meteorology: meteorology(obs),
		Burned3to8y: o.optionalRaster(raster.VarBurned3to8y, loc),
		Burned8ny:   o.optionalRaster(raster.VarBurned8ny, loc),
		APIUsed:     src,
	}
	if v, year, err := o.deps.Rasters.FuelLoad(loc, t.UTC().Year()); err == nil {
		out.FuelLoad = &v
		if year != 0 {
			out.FuelYear = &year
		}
	}
	run.respond("source", src)
	return out, nil
}

func meteorology(obs domain.WeatherObservation) Meteorology {
	return Meteorology{
		Temperature:    domain.Finite(obs.Temperature2m),
		Humidity:       domain.Finite(derive.RelativeHumidity(obs.Temperature2m, obs.Dewpoint2m)),
		WindSpeed:      domain.Finite(derive.WindSpeed(obs.U10, obs.V10) * derive.MSToKMH),
		WindDirection:  domain.Finite(derive.WindDirection(obs.U10, obs.V10)),
		CloudCover:     obs.CloudCover,
		SolarRadiation: obs.Solar,
	}
}

func (o *Orchestrator) optionalRaster(variable string, loc domain.Location) *float64 {
	rv, err := o.deps.Rasters.Value(variable, loc)
	if err != nil {
		return nil
	}
	return rv.Value
}

// RasterValue reads one raster at loc. A point with no data is not an
// error: noData is true and the value nil. An unknown raster is NotFound.
func (o *Orchestrator) RasterValue(variable string, loc domain.Location) (rv domain.RasterVariable, noData bool, err error) {
	rv, err = o.deps.Rasters.Value(variable, loc)
	if domain.IsKind(err, domain.KindDataGap) {
		return rv, true, nil
	}
	return rv, false, err
}

// Status describes what the service can currently do.
type Status struct {
	Models            []domain.ModelChoice `json:"models"`
	Rasters           []string             `json:"rasters"`
	DefaultSource     domain.Source        `json:"default_api"`
	ReanalysisEnabled bool                 `json:"cds_api_available"`
	CacheDirectory    string               `json:"cache_directory,omitempty"`
}

// Status reports loaded models, available rasters and provider setup.
func (o *Orchestrator) Status() Status {
	s := Status{
		Rasters:           o.deps.Rasters.Names(),
		DefaultSource:     o.opts.DefaultSource,
		ReanalysisEnabled: o.opts.ReanalysisEnabled,
	}
	for _, m := range o.deps.Models.List() {
		s.Models = append(s.Models, m.Name)
	}
	if o.deps.Results != nil {
		s.CacheDirectory = o.deps.Results.Dir()
	}
	return s
}

// Package openmeteo fetches hourly point weather from the Open-Meteo
// forecast API, which also serves the recent past.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/adapter/upstream"
	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"golang.org/x/time/rate"
)

// DefaultURL is the public forecast endpoint.
const DefaultURL = "https://api.open-meteo.com/v1/forecast"

// ForecastHorizon is how far ahead the API serves data.
const ForecastHorizon = 16 * 24 * time.Hour

const hourFormat = "2006-01-02T15:04"

// Hourly variables requested from the API, in request order.
const (
	varTemperature  = "temperature_2m"
	varDewpoint     = "dew_point_2m"
	varPressure     = "surface_pressure"
	varWindSpeed10  = "wind_speed_10m"
	varWindDir10    = "wind_direction_10m"
	varWindSpeed100 = "wind_speed_100m"
	varWindDir100   = "wind_direction_100m"
	varWindSpeed850 = "wind_speed_850hPa"
	varWindDir850   = "wind_direction_850hPa"
	varT850         = "temperature_850hPa"
	varT700         = "temperature_700hPa"
	varZ850         = "geopotential_height_850hPa"
	varZ700         = "geopotential_height_700hPa"
	varCAPE         = "cape"
	varSoil         = "soil_moisture_27_to_81cm"
	varCloud        = "cloud_cover"
	varSolar        = "shortwave_radiation"
)

var hourlyVars = []string{
	varTemperature, varDewpoint, varPressure,
	varWindSpeed10, varWindDir10, varWindSpeed100, varWindDir100,
	varWindSpeed850, varWindDir850, varT850, varT700, varZ850, varZ700,
	varCAPE, varSoil, varCloud, varSolar,
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration // per call
	RateLimit float64       // requests per second
	MaxPast   time.Duration // oldest hour the API serves, relative to now
}

// Client is the real-time weather provider.
type Client struct {
	baseURL string
	maxPast time.Duration
	limiter *rate.Limiter
	caller  *upstream.Caller
	logger  *slog.Logger
}

// NewClient creates an Open-Meteo client.
func NewClient(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultURL
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Client{
		baseURL: opts.BaseURL,
		maxPast: opts.MaxPast,
		limiter: rate.NewLimiter(limit, 1),
		caller: &upstream.Caller{
			Provider: string(domain.SourceOpenMeteo),
			Client:   &http.Client{Timeout: opts.Timeout},
			Breaker:  upstream.NewBreaker("openmeteo", 30*time.Second),
			Metrics:  metrics,
		},
		logger: logger,
	}
}

// Source identifies the provider.
func (c *Client) Source() domain.Source { return domain.SourceOpenMeteo }

// Coverage returns the hours the API can serve relative to now.
func (c *Client) Coverage(now time.Time) (time.Time, time.Time) {
	return now.Add(-c.maxPast).Truncate(time.Hour), now.Add(ForecastHorizon)
}

// FetchRange returns one observation per hour in [from, to], in time order.
// Hours the API leaves null are NaN.
func (c *Client) FetchRange(ctx context.Context, loc domain.Location, from, to time.Time) ([]domain.WeatherObservation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.caller.Classify(ctx, fmt.Errorf("rate limit wait: %w", err))
	}

	params := url.Values{
		"latitude":        {fmt.Sprintf("%.4f", loc.Lat)},
		"longitude":       {fmt.Sprintf("%.4f", loc.Lon)},
		"hourly":          {strings.Join(hourlyVars, ",")},
		"start_hour":      {from.UTC().Format(hourFormat)},
		"end_hour":        {to.UTC().Format(hourFormat)},
		"wind_speed_unit": {"ms"},
		"timezone":        {"GMT"},
		"timeformat":      {"unixtime"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := c.caller.Do(req)
	if err != nil {
		c.logger.Warn("open-meteo request failed", "location", loc.String(), "from", from, "to", to, "error", err)
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.WrapError(domain.KindUpstream, "openmeteo", fmt.Errorf("decode response: %w", err))
	}
	if resp.Error {
		return nil, domain.NewError(domain.KindUpstream, "openmeteo", "api error: %s", resp.Reason)
	}
	return resp.observations(loc)
}

// Open-Meteo API response types.

type response struct {
	Error  bool                       `json:"error"`
	Reason string                     `json:"reason"`
	Hourly map[string]json.RawMessage `json:"hourly"`
}

func (r response) observations(loc domain.Location) ([]domain.WeatherObservation, error) {
	var times []int64
	if raw, ok := r.Hourly["time"]; ok {
		if err := json.Unmarshal(raw, &times); err != nil {
			return nil, domain.WrapError(domain.KindUpstream, "openmeteo", fmt.Errorf("decode hourly time: %w", err))
		}
	}
	series := make(map[string][]*float64, len(hourlyVars))
	for _, name := range hourlyVars {
		raw, ok := r.Hourly[name]
		if !ok {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, domain.WrapError(domain.KindUpstream, "openmeteo", fmt.Errorf("decode hourly %s: %w", name, err))
		}
		if len(values) != len(times) {
			return nil, domain.NewError(domain.KindUpstream, "openmeteo", "hourly %s has %d values for %d times", name, len(values), len(times))
		}
		series[name] = values
	}

	at := func(name string, i int) float64 {
		values := series[name]
		if values == nil || values[i] == nil {
			return math.NaN()
		}
		return *values[i]
	}
	optional := func(name string, i int) *float64 {
		if v := at(name, i); !math.IsNaN(v) {
			return domain.Float(v)
		}
		return nil
	}

	out := make([]domain.WeatherObservation, 0, len(times))
	for i, ts := range times {
		u10, v10 := derive.WindComponents(at(varWindSpeed10, i), at(varWindDir10, i))
		u100, v100 := derive.WindComponents(at(varWindSpeed100, i), at(varWindDir100, i))
		u850, v850 := derive.WindComponents(at(varWindSpeed850, i), at(varWindDir850, i))
		out = append(out, domain.WeatherObservation{
			Time:          time.Unix(ts, 0).UTC(),
			Location:      loc,
			Source:        domain.SourceOpenMeteo,
			Dataset:       domain.SourceOpenMeteo.Dataset(),
			Temperature2m: at(varTemperature, i),
			Dewpoint2m:    at(varDewpoint, i),
			Pressure:      at(varPressure, i),
			U10:           u10,
			V10:           v10,
			U100:          u100,
			V100:          v100,
			U850:          u850,
			V850:          v850,
			T850:          at(varT850, i),
			T700:          at(varT700, i),
			Z850:          at(varZ850, i),
			Z700:          at(varZ700, i),
			CAPE:          at(varCAPE, i),
			SoilWater100:  at(varSoil, i),
			CloudCover:    optional(varCloud, i),
			Solar:         optional(varSolar, i),
		})
	}
	return out, nil
}

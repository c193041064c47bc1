// Package weather selects a weather provider for a request, serves hours
// from the cache when it can, and falls back between providers.
package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/cache"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Provider is an upstream source of hourly point weather.
type Provider interface {
	Source() domain.Source
	// Coverage returns the first and last hour the provider can serve.
	Coverage(now time.Time) (from, to time.Time)
	// FetchRange returns observations for every hour in [from, to].
	FetchRange(ctx context.Context, loc domain.Location, from, to time.Time) ([]domain.WeatherObservation, error)
}

// DefaultFlightTimeout bounds one shared upstream fetch.
const DefaultFlightTimeout = 15 * time.Minute

// Fetcher resolves weather for a location and time span.
type Fetcher struct {
	providers     map[domain.Source]Provider
	store         *cache.Store
	clock         clockwork.Clock
	group         singleflight.Group
	flightTimeout time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewFetcher creates a Fetcher over the given providers. store may be nil to
// disable caching.
func NewFetcher(store *cache.Store, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, providers ...Provider) *Fetcher {
	m := make(map[domain.Source]Provider, len(providers))
	for _, p := range providers {
		m[p.Source()] = p
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Fetcher{
		providers:     m,
		store:         store,
		clock:         clock,
		flightTimeout: DefaultFlightTimeout,
		logger:        logger,
		metrics:       metrics,
	}
}

// SetFlightTimeout bounds each shared upstream fetch. Zero or negative
// values keep the current bound.
func (f *Fetcher) SetFlightTimeout(d time.Duration) {
	if d > 0 {
		f.flightTimeout = d
	}
}

// Fetch returns the observation for the hour containing t.
func (f *Fetcher) Fetch(ctx context.Context, loc domain.Location, t time.Time, preferred domain.Source) (domain.WeatherObservation, domain.Source, error) {
	series, src, err := f.FetchSeries(ctx, loc, t, 1, preferred)
	if err != nil {
		return domain.WeatherObservation{}, "", err
	}
	return series[0], src, nil
}

// FetchSeries returns hours consecutive hourly observations starting at the
// hour containing start, and the source that served them.
func (f *Fetcher) FetchSeries(ctx context.Context, loc domain.Location, start time.Time, hours int, preferred domain.Source) ([]domain.WeatherObservation, domain.Source, error) {
	if hours < 1 {
		return nil, "", domain.ValidationError("hours", "must be at least 1")
	}
	loc = loc.Round(domain.CachePrecision)
	from := start.UTC().Truncate(time.Hour)
	to := from.Add(time.Duration(hours-1) * time.Hour)

	plan, err := f.Plan(preferred, from, to)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, p := range plan {
		series, err := f.fromProvider(ctx, p, loc, from, to)
		if err == nil {
			if p.Source() != preferred {
				f.fallback(preferred, p.Source(), lastErr)
			}
			return series, p.Source(), nil
		}
		if !retryable(err) {
			return nil, "", err
		}
		f.logger.Warn("weather provider failed", "provider", p.Source(), "location", loc.String(), "error", err)
		lastErr = err
	}
	return nil, "", lastErr
}

// Plan orders the providers able to serve [from, to]: the preferred one
// first, then the others. A provider whose window excludes the span is
// skipped regardless of preference.
func (f *Fetcher) Plan(preferred domain.Source, from, to time.Time) ([]Provider, error) {
	now := f.clock.Now()
	order := []domain.Source{preferred}
	for _, s := range []domain.Source{domain.SourceOpenMeteo, domain.SourceCDS} {
		if s != preferred {
			order = append(order, s)
		}
	}

	var plan []Provider
	var reasons []string
	for _, s := range order {
		p, ok := f.providers[s]
		if !ok {
			continue
		}
		first, last := p.Coverage(now)
		if from.Before(first) || to.After(last) {
			reasons = append(reasons, fmt.Sprintf("%s serves %s to %s", s,
				first.Format(time.RFC3339), last.Format(time.RFC3339)))
			continue
		}
		plan = append(plan, p)
	}
	if len(plan) == 0 {
		return nil, domain.DataGapError("weather", fmt.Sprintf("no provider covers %s to %s (%s)",
			from.Format(time.RFC3339), to.Format(time.RFC3339), strings.Join(reasons, "; ")))
	}
	return plan, nil
}

// fromProvider serves cached hours and fetches the rest in one ranged call.
func (f *Fetcher) fromProvider(ctx context.Context, p Provider, loc domain.Location, from, to time.Time) ([]domain.WeatherObservation, error) {
	src := p.Source()
	byHour := map[time.Time]domain.WeatherObservation{}
	var missFrom, missTo time.Time
	for h := from; !h.After(to); h = h.Add(time.Hour) {
		if obs, ok := f.cached(src, loc, h); ok {
			byHour[h] = obs
			continue
		}
		if missFrom.IsZero() {
			missFrom = h
		}
		missTo = h
	}

	if !missFrom.IsZero() {
		fetched, err := f.fetchShared(ctx, p, loc, missFrom, missTo)
		if err != nil {
			return nil, err
		}
		for _, obs := range fetched {
			h := obs.Time.UTC().Truncate(time.Hour)
			if h.Before(from) || h.After(to) {
				continue
			}
			if _, ok := byHour[h]; !ok {
				byHour[h] = obs
			}
		}
	}

	series := make([]domain.WeatherObservation, 0, len(byHour))
	for h := from; !h.After(to); h = h.Add(time.Hour) {
		obs, ok := byHour[h]
		if !ok {
			return nil, domain.NewError(domain.KindUpstream, string(src), "no data returned for %s", h.Format(time.RFC3339))
		}
		series = append(series, obs)
	}
	return series, nil
}

// fetchShared coalesces identical in-flight fetches so concurrent requests
// for the same rounded location and span make one upstream call. The flight
// runs detached from every caller under its own bound; a caller whose
// context ends stops waiting without failing the others.
func (f *Fetcher) fetchShared(ctx context.Context, p Provider, loc domain.Location, from, to time.Time) ([]domain.WeatherObservation, error) {
	key := fmt.Sprintf("%s|%s|%d|%d", p.Source(), loc.String(), from.Unix(), to.Unix())
	ch := f.group.DoChan(key, func() (interface{}, error) {
		// A call that finished just before this one may have filled the span.
		if obs, ok := f.cachedSpan(p.Source(), loc, from, to); ok {
			return obs, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.flightTimeout)
		defer cancel()
		obs, err := p.FetchRange(fctx, loc, from, to)
		if err != nil {
			if fctx.Err() != nil {
				return nil, domain.NewError(domain.KindUpstream, string(p.Source()), "fetch exceeded %s: %v", f.flightTimeout, err)
			}
			return nil, err
		}
		f.save(p.Source(), loc, obs)
		return obs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.WeatherObservation), nil
	}
}

func (f *Fetcher) cached(src domain.Source, loc domain.Location, h time.Time) (domain.WeatherObservation, bool) {
	if f.store == nil {
		return domain.WeatherObservation{}, false
	}
	var obs domain.WeatherObservation
	ok, err := f.store.GetJSON(cache.NewKey(string(src), loc, h, ""), &obs)
	if err != nil {
		f.logger.Warn("weather cache read failed", "provider", src, "hour", h, "error", err)
		return domain.WeatherObservation{}, false
	}
	return obs, ok
}

func (f *Fetcher) cachedSpan(src domain.Source, loc domain.Location, from, to time.Time) ([]domain.WeatherObservation, bool) {
	var out []domain.WeatherObservation
	for h := from; !h.After(to); h = h.Add(time.Hour) {
		obs, ok := f.cached(src, loc, h)
		if !ok {
			return nil, false
		}
		out = append(out, obs)
	}
	return out, true
}

// save writes each completed hour to the cache. Hours not yet over are
// forecasts and would otherwise be served as observations later. Failures
// only cost a refetch.
func (f *Fetcher) save(src domain.Source, loc domain.Location, series []domain.WeatherObservation) {
	if f.store == nil {
		return
	}
	now := f.clock.Now()
	for _, obs := range series {
		if obs.Time.Add(time.Hour).After(now) {
			continue
		}
		if err := f.store.PutJSON(cache.NewKey(string(src), loc, obs.Time, ""), obs); err != nil {
			f.logger.Warn("weather cache write failed", "provider", src, "hour", obs.Time, "error", err)
		}
	}
}

func (f *Fetcher) fallback(from, to domain.Source, cause error) {
	if f.metrics != nil {
		f.metrics.ProviderFallbacks.WithLabelValues(string(from), string(to)).Inc()
	}
	attrs := []any{"requested", from, "used", to}
	if cause != nil {
		attrs = append(attrs, "cause", cause)
	}
	f.logger.Info("weather provider fallback", attrs...)
}

// retryable reports whether another provider may succeed where this one
// failed.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindProviderUnavailable, domain.KindUpstream, domain.KindDataGap:
		return true
	}
	return false
}

// Package cds retrieves ERA5 reanalysis and CEMS fire indices for a point
// from the Copernicus data stores.
package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/couchcryptid/wildfire-ros-service/internal/adapter/upstream"
	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Earliest is the first hour of the ERA5 record.
var Earliest = time.Date(1940, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultAvailabilityDelay is how far ERA5 lags real time.
const DefaultAvailabilityDelay = 5 * 24 * time.Hour

// maxPollInterval caps the doubling job status poll interval.
const maxPollInterval = 30 * time.Second

// Options configures a Client.
type Options struct {
	CredentialsFile   string
	URL               string
	Key               string
	EWDSURL           string
	EWDSKey           string
	Timeout           time.Duration // whole retrieval, all jobs
	PollInterval      time.Duration
	AvailabilityDelay time.Duration
	Clock             clockwork.Clock
}

// Client is the reanalysis weather provider.
type Client struct {
	cds          Credentials
	ewds         Credentials
	timeout      time.Duration
	pollInterval time.Duration
	delay        time.Duration
	clock        clockwork.Clock
	caller       *upstream.Caller
	logger       *slog.Logger
}

// NewClient builds a client. Missing credentials are not an error here:
// every fetch then fails with ProviderUnavailable so callers can fall back.
func NewClient(opts Options, logger *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	creds, err := ResolveCredentials(opts.CredentialsFile, opts.URL, opts.Key)
	if err != nil {
		return nil, fmt.Errorf("cds credentials: %w", err)
	}
	ewds := Credentials{URL: opts.EWDSURL, Key: opts.EWDSKey}
	if ewds.Key != "" && ewds.URL == "" {
		ewds.URL = DefaultEWDSURL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.AvailabilityDelay <= 0 {
		opts.AvailabilityDelay = DefaultAvailabilityDelay
	}
	if !creds.Valid() {
		logger.Warn("cds credentials not configured; reanalysis requests will fall back")
	}
	if !ewds.Valid() {
		logger.Info("ewds credentials not configured; fire indices come from rasters")
	}
	return &Client{
		cds:          creds,
		ewds:         ewds,
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		delay:        opts.AvailabilityDelay,
		clock:        opts.Clock,
		caller: &upstream.Caller{
			Provider: string(domain.SourceCDS),
			Client:   &http.Client{Timeout: time.Minute},
			Breaker:  upstream.NewBreaker("cds", 5*time.Minute),
			Metrics:  metrics,
		},
		logger: logger,
	}, nil
}

// Source identifies the provider.
func (c *Client) Source() domain.Source { return domain.SourceCDS }

// Configured reports whether reanalysis credentials are set.
func (c *Client) Configured() bool { return c.cds.Valid() }

// Coverage returns the hours ERA5 has published relative to now.
func (c *Client) Coverage(now time.Time) (time.Time, time.Time) {
	return Earliest, now.Add(-c.delay)
}

// FetchRange retrieves single-level, pressure-level and (when EWDS
// credentials exist) fire-index data concurrently and merges them into one
// observation per hour in [from, to].
func (c *Client) FetchRange(ctx context.Context, loc domain.Location, from, to time.Time) ([]domain.WeatherObservation, error) {
	if !c.cds.Valid() {
		return nil, domain.NewError(domain.KindProviderUnavailable, "cds", "no CDS credentials configured")
	}

	jobCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var single, pressure, fire table
	g, gctx := errgroup.WithContext(jobCtx)
	g.Go(func() (err error) {
		single, err = c.retrieve(gctx, c.cds, singleLevels, loc, from, to)
		return err
	})
	g.Go(func() (err error) {
		pressure, err = c.retrieve(gctx, c.cds, pressureLevels, loc, from, to)
		return err
	})
	if c.ewds.Valid() {
		g.Go(func() error {
			t, err := c.retrieve(gctx, c.ewds, fireIndices, loc, from.Add(-24*time.Hour), to)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				// Fire indices are optional; the assembler falls back to rasters.
				c.logger.Warn("cems fire index retrieval failed", "location", loc.String(), "error", err)
				return nil
			}
			fire = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A job running past its own budget is a provider failure, not a
		// request timeout, as long as the caller still has time.
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || domain.IsKind(err, domain.KindTimeout)) {
			return nil, domain.NewError(domain.KindUpstream, "cds", "retrieval exceeded %s", c.timeout)
		}
		return nil, err
	}
	return merge(loc, from, to, single, pressure, fire), nil
}

// retrieve runs one job through submit, poll, results and download.
func (c *Client) retrieve(ctx context.Context, creds Credentials, ds dataset, loc domain.Location, from, to time.Time) (table, error) {
	jobID, err := c.submit(ctx, creds, ds, loc, from, to)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("dataset", ds.name, "job", jobID)
	logger.Debug("cds job submitted")

	if err := c.wait(ctx, creds, jobID); err != nil {
		return nil, err
	}
	href, err := c.resultHref(ctx, creds, jobID)
	if err != nil {
		return nil, err
	}
	body, err := c.call(ctx, creds, http.MethodGet, href, nil)
	if err != nil {
		return nil, err
	}
	t, err := decodeResult(body, loc)
	if err != nil {
		return nil, domain.WrapError(domain.KindUpstream, "cds "+ds.name, fmt.Errorf("decode netcdf: %w", err))
	}
	logger.Debug("cds job downloaded", "hours", len(t))
	return t, nil
}

type jobStatus struct {
	JobID  string `json:"jobID"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (c *Client) submit(ctx context.Context, creds Credentials, ds dataset, loc domain.Location, from, to time.Time) (string, error) {
	payload, err := json.Marshal(map[string]any{"inputs": ds.inputs(loc, from, to)})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	url := fmt.Sprintf("%s/retrieve/v1/processes/%s/execution", creds.URL, ds.name)
	body, err := c.call(ctx, creds, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}
	var st jobStatus
	if err := json.Unmarshal(body, &st); err != nil || st.JobID == "" {
		return "", domain.NewError(domain.KindUpstream, "cds "+ds.name, "submit returned no job id")
	}
	return st.JobID, nil
}

func (c *Client) wait(ctx context.Context, creds Credentials, jobID string) error {
	url := fmt.Sprintf("%s/retrieve/v1/jobs/%s", creds.URL, jobID)
	interval := c.pollInterval
	maxInterval := max(c.pollInterval, maxPollInterval)
	for {
		body, err := c.call(ctx, creds, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		var st jobStatus
		if err := json.Unmarshal(body, &st); err != nil {
			return domain.WrapError(domain.KindUpstream, "cds job "+jobID, fmt.Errorf("decode status: %w", err))
		}
		switch st.Status {
		case "successful":
			return nil
		case "failed", "rejected", "dismissed":
			return domain.NewError(domain.KindUpstream, "cds job "+jobID, "job %s: %s", st.Status, st.Detail)
		}
		select {
		case <-ctx.Done():
			return c.caller.Classify(ctx, ctx.Err())
		case <-c.clock.After(interval):
		}
		interval = retry.NextBackoff(interval, maxInterval)
	}
}

func (c *Client) resultHref(ctx context.Context, creds Credentials, jobID string) (string, error) {
	url := fmt.Sprintf("%s/retrieve/v1/jobs/%s/results", creds.URL, jobID)
	body, err := c.call(ctx, creds, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	var res struct {
		Asset struct {
			Value struct {
				Href string `json:"href"`
			} `json:"value"`
		} `json:"asset"`
	}
	if err := json.Unmarshal(body, &res); err != nil || res.Asset.Value.Href == "" {
		return "", domain.NewError(domain.KindUpstream, "cds job "+jobID, "results carry no download link")
	}
	return res.Asset.Value.Href, nil
}

func (c *Client) call(ctx context.Context, creds Credentials, method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", creds.Key)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.caller.Do(req)
}

// merge assembles hourly observations. Absent single- or pressure-level
// values are NaN; fire indices carry the latest daily value forward.
func merge(loc domain.Location, from, to time.Time, single, pressure, fire table) []domain.WeatherObservation {
	var out []domain.WeatherObservation
	for ts := from; !ts.After(to); ts = ts.Add(time.Hour) {
		obs := domain.WeatherObservation{
			Time:          ts,
			Location:      loc,
			Source:        domain.SourceCDS,
			Dataset:       domain.SourceCDS.Dataset(),
			Temperature2m: derive.KelvinToCelsius(single.get(ts, "t2m")),
			Dewpoint2m:    derive.KelvinToCelsius(single.get(ts, "d2m")),
			Pressure:      single.get(ts, "sp") / 100,
			U10:           single.get(ts, "u10"),
			V10:           single.get(ts, "v10"),
			U100:          single.get(ts, "u100"),
			V100:          single.get(ts, "v100"),
			CAPE:          single.get(ts, "cape"),
			SoilWater100:  single.get(ts, "swvl3"),
			U850:          pressure.get(ts, "u850"),
			V850:          pressure.get(ts, "v850"),
			T850:          derive.KelvinToCelsius(pressure.get(ts, "t850")),
			T700:          derive.KelvinToCelsius(pressure.get(ts, "t700")),
			Z850:          derive.GeopotentialHeight(pressure.get(ts, "z850")),
			Z700:          derive.GeopotentialHeight(pressure.get(ts, "z700")),
		}
		// Total cloud cover is a 0-1 fraction; radiation is accumulated J/m2
		// over the hour.
		obs.CloudCover = domain.Finite(single.get(ts, "tcc") * 100)
		obs.Solar = domain.Finite(single.get(ts, "ssrd") / 3600)
		if fire != nil {
			if v, ok := fire.carried(ts, "fwinx"); ok {
				obs.FWI = domain.Float(v)
			}
			if v, ok := fire.carried(ts, "drtcode"); ok {
				obs.DroughtCode = domain.Float(v)
			}
		}
		out = append(out, obs)
	}
	return out
}

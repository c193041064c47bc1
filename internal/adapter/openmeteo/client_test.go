package openmeteo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

var (
	coimbra = domain.Location{Lat: 40.21, Lon: -8.43}
	hour0   = time.Date(2025, 8, 12, 13, 0, 0, 0, time.UTC)
)

func testClient(baseURL string, metrics *observability.Metrics) *Client {
	return NewClient(Options{BaseURL: baseURL, Timeout: 5 * time.Second, MaxPast: 92 * 24 * time.Hour},
		slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
}

func hourlyResponse(hours int) map[string]any {
	times := make([]int64, hours)
	hourly := map[string]any{}
	for i := range hours {
		times[i] = hour0.Add(time.Duration(i) * time.Hour).Unix()
	}
	hourly["time"] = times
	fill := func(name string, v any) {
		values := make([]any, hours)
		for i := range values {
			values[i] = v
		}
		hourly[name] = values
	}
	fill(varTemperature, 30.0)
	fill(varDewpoint, 10.0)
	fill(varPressure, 1005.0)
	fill(varWindSpeed10, 5.0)
	fill(varWindDir10, 0.0)
	fill(varWindSpeed100, 8.0)
	fill(varWindDir100, 90.0)
	fill(varWindSpeed850, 10.0)
	fill(varWindDir850, 270.0)
	fill(varT850, 20.0)
	fill(varT700, 8.0)
	fill(varZ850, 1500.0)
	fill(varZ700, 3100.0)
	fill(varCAPE, 120.0)
	fill(varSoil, 0.18)
	fill(varCloud, 25.0)
	fill(varSolar, nil)
	return map[string]any{"latitude": coimbra.Lat, "longitude": coimbra.Lon, "hourly": hourly}
}

func TestClient_FetchRange_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "40.2100", q.Get("latitude"))
		assert.Equal(t, "-8.4300", q.Get("longitude"))
		assert.Equal(t, "2025-08-12T13:00", q.Get("start_hour"))
		assert.Equal(t, "2025-08-12T15:00", q.Get("end_hour"))
		assert.Equal(t, "ms", q.Get("wind_speed_unit"))
		assert.Equal(t, "unixtime", q.Get("timeformat"))
		assert.True(t, strings.Contains(q.Get("hourly"), varT700))

		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(hourlyResponse(3)))
	}))
	defer srv.Close()

	metrics := observability.NewMetricsForTesting()
	obs, err := testClient(srv.URL, metrics).FetchRange(context.Background(), coimbra, hour0, hour0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, obs, 3)

	o := obs[1]
	assert.Equal(t, hour0.Add(time.Hour), o.Time)
	assert.Equal(t, domain.SourceOpenMeteo, o.Source)
	assert.InDelta(t, 30.0, o.Temperature2m, 1e-9)
	assert.InDelta(t, 1600.0, o.Z700-o.Z850, 1e-9)

	// Speed/direction round-trip through u/v components.
	assert.InDelta(t, 5.0, derive.WindSpeed(o.U10, o.V10), 1e-9)
	assert.InDelta(t, 0.0, math.Mod(derive.WindDirection(o.U10, o.V10), 360), 1e-9)
	assert.InDelta(t, 90.0, derive.WindDirection(o.U100, o.V100), 1e-9)
	assert.InDelta(t, 270.0, derive.WindDirection(o.U850, o.V850), 1e-9)

	require.NotNil(t, o.CloudCover)
	assert.InDelta(t, 25.0, *o.CloudCover, 1e-9)
	assert.Nil(t, o.Solar)
	assert.Nil(t, o.FWI)

	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.UpstreamRequests.WithLabelValues("openmeteo", "success")), 0)
}

func TestClient_FetchRange_NullHourIsNaN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := hourlyResponse(2)
		resp["hourly"].(map[string]any)[varCAPE] = []any{nil, 50.0}
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	obs, err := testClient(srv.URL, nil).FetchRange(context.Background(), coimbra, hour0, hour0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(obs[0].CAPE))
	assert.InDelta(t, 50.0, obs[1].CAPE, 1e-9)
}

func TestClient_FetchRange_QuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":true,"reason":"Daily API request limit exceeded"}`))
	}))
	defer srv.Close()

	metrics := observability.NewMetricsForTesting()
	_, err := testClient(srv.URL, metrics).FetchRange(context.Background(), coimbra, hour0, hour0)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProviderUnavailable))
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.UpstreamRequests.WithLabelValues("openmeteo", "unavailable")), 0)
}

func TestClient_FetchRange_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":true,"reason":"Parameter 'start_hour' is out of allowed range"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, nil).FetchRange(context.Background(), coimbra, hour0, hour0)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUpstream))
	assert.Contains(t, err.Error(), "out of allowed range")
}

func TestClient_FetchRange_MismatchedSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := hourlyResponse(2)
		resp["hourly"].(map[string]any)[varDewpoint] = []float64{1}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, nil).FetchRange(context.Background(), coimbra, hour0, hour0.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUpstream))
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL, nil)
	for range 5 {
		_, err := c.FetchRange(context.Background(), coimbra, hour0, hour0)
		require.True(t, domain.IsKind(err, domain.KindUpstream))
	}
	_, err := c.FetchRange(context.Background(), coimbra, hour0, hour0)
	assert.True(t, domain.IsKind(err, domain.KindProviderUnavailable))
	assert.Equal(t, int32(5), calls.Load())
}

func TestClient_FetchRange_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := testClient(srv.URL, nil).FetchRange(ctx, coimbra, hour0, hour0)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTimeout))
}

func TestClient_Coverage(t *testing.T) {
	c := testClient("http://unused", nil)
	now := time.Date(2025, 10, 1, 12, 30, 0, 0, time.UTC)
	from, to := c.Coverage(now)
	assert.Equal(t, time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC), from)
	assert.Equal(t, now.Add(16*24*time.Hour), to)
}

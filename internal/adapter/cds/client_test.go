package cds

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "abcd-1234"

var (
	evora = domain.Location{Lat: 38.57, Lon: -7.91}
	day   = time.Date(2023, 7, 18, 12, 0, 0, 0, time.UTC)
)

var (
	era5Epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	// The 0.25 degree grid around Evora; the nearest point is (38.5, -8.0).
	gridLat = []float64{39.0, 38.5}
	gridLon = []float64{-8.0, -7.75}
)

const decoy = 999.0

type ncVar struct {
	name   string
	dims   []string
	values any
	attrs  map[string]any
}

// writeNC encodes vars as a NetCDF file and returns its bytes.
func writeNC(t *testing.T, vars ...ncVar) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.nc")
	cw, err := cdf.OpenWriter(path)
	require.NoError(t, err)
	for _, v := range vars {
		attrs := v.attrs
		if attrs == nil {
			attrs = map[string]any{}
		}
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om, err := util.NewOrderedMap(keys, attrs)
		require.NoError(t, err)
		require.NoError(t, cw.AddVar(v.name, api.Variable{Values: v.values, Dimensions: v.dims, Attributes: om}))
	}
	require.NoError(t, cw.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func zipped(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// surface places one value per hour at the grid point nearest Evora.
func surface(vals ...float64) [][][]float64 {
	out := make([][][]float64, len(vals))
	for i, v := range vals {
		out[i] = [][]float64{{decoy, decoy}, {v, decoy}}
	}
	return out
}

// levels does the same for [hour][level] values.
func levels(vals ...[]float64) [][][][]float64 {
	out := make([][][][]float64, len(vals))
	for i, perLevel := range vals {
		for _, v := range perLevel {
			out[i] = append(out[i], [][]float64{{decoy, decoy}, {v, decoy}})
		}
	}
	return out
}

func coords(hours []int32) []ncVar {
	return []ncVar{
		{name: "valid_time", dims: []string{"valid_time"}, values: hours,
			attrs: map[string]any{"units": "hours since 1900-01-01 00:00:00.0"}},
		{name: "latitude", dims: []string{"latitude"}, values: gridLat},
		{name: "longitude", dims: []string{"longitude"}, values: gridLon},
	}
}

func era5Hours(ts ...time.Time) []int32 {
	out := make([]int32, len(ts))
	for i, t := range ts {
		out[i] = int32(t.Sub(era5Epoch) / time.Hour)
	}
	return out
}

// singleLevelsOutput mirrors the store splitting instantaneous and
// accumulated fields into two files of one zip.
func singleLevelsOutput(t *testing.T) []byte {
	hours := era5Hours(day, day.Add(time.Hour))
	dims := []string{"valid_time", "latitude", "longitude"}
	instant := append(coords(hours),
		ncVar{name: "t2m", dims: dims, values: surface(310.15, 311.15)},
		ncVar{name: "d2m", dims: dims, values: surface(283.15, 283.15)},
		ncVar{name: "sp", dims: dims, values: surface(100500, 100400)},
		ncVar{name: "u10", dims: dims, values: surface(3, 3)},
		ncVar{name: "v10", dims: dims, values: surface(4, 4)},
		ncVar{name: "u100", dims: dims, values: surface(6, 6)},
		ncVar{name: "v100", dims: dims, values: surface(8, 8)},
		ncVar{name: "cape", dims: dims, values: surface(250, 300)},
		ncVar{name: "swvl3", dims: dims, values: surface(0.12, 0.12)},
		ncVar{name: "tcc", dims: dims, values: surface(0.25, -32767),
			attrs: map[string]any{"_FillValue": -32767.0}},
	)
	accum := append(coords(hours),
		ncVar{name: "ssrd", dims: dims, values: surface(2880000, 2700000)},
	)
	return zipped(t, map[string][]byte{
		"data_stream-oper_stepType-instant.nc": writeNC(t, instant...),
		"data_stream-oper_stepType-accum.nc":   writeNC(t, accum...),
	})
}

func pressureLevelsOutput(t *testing.T) []byte {
	epoch := time.Unix(0, 0).UTC()
	dims := []string{"valid_time", "pressure_level", "latitude", "longitude"}
	return writeNC(t,
		ncVar{name: "valid_time", dims: []string{"valid_time"},
			values: []float64{day.Sub(epoch).Seconds(), day.Add(time.Hour).Sub(epoch).Seconds()},
			attrs:  map[string]any{"units": "seconds since 1970-01-01"}},
		ncVar{name: "pressure_level", dims: []string{"pressure_level"}, values: []float64{850, 700}},
		ncVar{name: "latitude", dims: []string{"latitude"}, values: gridLat},
		ncVar{name: "longitude", dims: []string{"longitude"}, values: gridLon},
		ncVar{name: "t", dims: dims, values: levels([]float64{293.15, 281.15}, []float64{294.15, 282.15})},
		ncVar{name: "u", dims: dims, values: levels([]float64{10, 12}, []float64{10, 12})},
		ncVar{name: "v", dims: dims, values: levels([]float64{0, 0}, []float64{0, 0})},
		ncVar{name: "z", dims: dims, values: levels([]float64{14710, 30400}, []float64{14710, 30400})},
	)
}

// fireIndicesOutput packs the FWI as scaled shorts on a one-point grid.
func fireIndicesOutput(t *testing.T) []byte {
	dims := []string{"valid_time", "latitude", "longitude"}
	return writeNC(t,
		ncVar{name: "valid_time", dims: []string{"valid_time"},
			values: era5Hours(day.Add(-24*time.Hour), day),
			attrs:  map[string]any{"units": "hours since 1900-01-01"}},
		ncVar{name: "latitude", dims: []string{"latitude"}, values: []float32{38.5}},
		ncVar{name: "longitude", dims: []string{"longitude"}, values: []float32{-8.0}},
		ncVar{name: "fwinx", dims: dims, values: [][][]int16{{{71}}, {{82}}},
			attrs: map[string]any{"scale_factor": 0.5, "add_offset": 0.0}},
		ncVar{name: "drtcode", dims: dims, values: [][][]float32{{{610}}, {{622}}}},
	)
}

// fakeStore serves the retrieve API: submit -> (running, successful) ->
// results -> download.
type fakeStore struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	polls    map[string]int
	inputs   map[string]map[string]any
	outputs  map[string][]byte
	failJobs map[string]string
	status   int
}

func newFakeStore(t *testing.T, outputs map[string][]byte) *fakeStore {
	f := &fakeStore{
		t:        t,
		polls:    map[string]int{},
		inputs:   map[string]map[string]any{},
		outputs:  outputs,
		failJobs: map[string]string{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("PRIVATE-TOKEN") != testKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"title":"Authentication failed"}`))
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/execution"):
		ds := strings.TrimSuffix(strings.TrimPrefix(path, "/retrieve/v1/processes/"), "/execution")
		var body struct {
			Inputs map[string]any `json:"inputs"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.inputs[ds] = body.Inputs
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"jobID":%q,"status":"accepted"}`, ds)
	case strings.HasSuffix(path, "/results"):
		job := strings.TrimSuffix(strings.TrimPrefix(path, "/retrieve/v1/jobs/"), "/results")
		_, _ = fmt.Fprintf(w, `{"asset":{"value":{"href":%q,"type":"application/netcdf"}}}`, f.srv.URL+"/download/"+job)
	case strings.HasPrefix(path, "/retrieve/v1/jobs/"):
		job := strings.TrimPrefix(path, "/retrieve/v1/jobs/")
		f.polls[job]++
		status := "running"
		if msg, ok := f.failJobs[job]; ok {
			_, _ = fmt.Fprintf(w, `{"jobID":%q,"status":"failed","detail":%q}`, job, msg)
			return
		}
		if f.polls[job] > 1 {
			status = "successful"
		}
		_, _ = fmt.Fprintf(w, `{"jobID":%q,"status":%q}`, job, status)
	case strings.HasPrefix(path, "/download/"):
		_, _ = w.Write(f.outputs[strings.TrimPrefix(path, "/download/")])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, f *fakeStore, withFire bool) *Client {
	t.Helper()
	opts := Options{
		CredentialsFile: filepath.Join(t.TempDir(), "missing"),
		URL:             f.srv.URL,
		Key:             testKey,
		Timeout:         5 * time.Second,
		PollInterval:    time.Millisecond,
	}
	if withFire {
		opts.EWDSURL = f.srv.URL
		opts.EWDSKey = testKey
	}
	c, err := NewClient(opts, testLogger(), nil)
	require.NoError(t, err)
	return c
}

func allOutputs(t *testing.T) map[string][]byte {
	return map[string][]byte{
		singleLevels.name:   singleLevelsOutput(t),
		pressureLevels.name: pressureLevelsOutput(t),
		fireIndices.name:    fireIndicesOutput(t),
	}
}

func TestClient_FetchRange_MergesDatasets(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	c := newTestClient(t, f, true)

	obs, err := c.FetchRange(context.Background(), evora, day, day.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, obs, 2)

	o := obs[0]
	assert.Equal(t, domain.SourceCDS, o.Source)
	assert.Equal(t, "era5", o.Dataset)
	assert.InDelta(t, 37.0, o.Temperature2m, 1e-9)
	assert.InDelta(t, 10.0, o.Dewpoint2m, 1e-9)
	assert.InDelta(t, 1005.0, o.Pressure, 1e-9)
	assert.InDelta(t, 20.0, o.T850, 1e-9)
	assert.InDelta(t, 8.0, o.T700, 1e-9)
	assert.InDelta(t, 14710/9.80665, o.Z850, 1e-9)
	assert.InDelta(t, 10.0, o.U850, 1e-9)
	assert.InDelta(t, 0.12, o.SoilWater100, 1e-9)
	require.NotNil(t, o.CloudCover)
	assert.InDelta(t, 25.0, *o.CloudCover, 1e-9)
	require.NotNil(t, o.Solar)
	assert.InDelta(t, 800.0, *o.Solar, 1e-9)
	require.NotNil(t, o.FWI)
	assert.InDelta(t, 41.0, *o.FWI, 1e-9)
	require.NotNil(t, o.DroughtCode)
	assert.InDelta(t, 622.0, *o.DroughtCode, 1e-9)

	assert.Nil(t, obs[1].CloudCover, "fill value is absent")
	assert.InDelta(t, 21.0, obs[1].T850, 1e-9)
	require.NotNil(t, obs[1].Solar)
	assert.InDelta(t, 750.0, *obs[1].Solar, 1e-9)

	in := f.inputs[pressureLevels.name]
	assert.Equal(t, []any{"2023"}, in["year"])
	assert.Equal(t, []any{"18"}, in["day"])
	assert.Equal(t, []any{"12:00", "13:00"}, in["time"])
	assert.Equal(t, "netcdf", in["data_format"])
	assert.Equal(t, "unarchived", in["download_format"])
	area, ok := in["area"].([]any)
	require.True(t, ok)
	require.Len(t, area, 4)
	for i, want := range []float64{39.07, -8.41, 38.07, -7.41} {
		assert.InDelta(t, want, area[i], 1e-9, "area[%d]", i)
	}
	assert.NotContains(t, f.inputs[fireIndices.name], "time")
}

func TestClient_FetchRange_WithoutFireCredentials(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	c := newTestClient(t, f, false)

	obs, err := c.FetchRange(context.Background(), evora, day, day)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Nil(t, obs[0].FWI)
	assert.NotContains(t, f.inputs, fireIndices.name)
}

func TestClient_FetchRange_FireFailureIsNotFatal(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	f.failJobs[fireIndices.name] = "no data for requested period"
	c := newTestClient(t, f, true)

	obs, err := c.FetchRange(context.Background(), evora, day, day)
	require.NoError(t, err)
	assert.Nil(t, obs[0].FWI)
}

func TestClient_FetchRange_JobFailed(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	f.failJobs[pressureLevels.name] = "request too large"
	c := newTestClient(t, f, false)

	_, err := c.FetchRange(context.Background(), evora, day, day)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUpstream))
	assert.Contains(t, err.Error(), "request too large")
}

func TestClient_FetchRange_MissingCredentials(t *testing.T) {
	c, err := NewClient(Options{CredentialsFile: filepath.Join(t.TempDir(), "none")}, testLogger(), nil)
	require.NoError(t, err)
	assert.False(t, c.Configured())

	_, err = c.FetchRange(context.Background(), evora, day, day)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProviderUnavailable))
}

func TestClient_FetchRange_RejectedCredential(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	c, err := NewClient(Options{
		CredentialsFile: filepath.Join(t.TempDir(), "none"),
		URL:             f.srv.URL,
		Key:             "wrong",
		PollInterval:    time.Millisecond,
	}, testLogger(), nil)
	require.NoError(t, err)

	_, err = c.FetchRange(context.Background(), evora, day, day)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProviderUnavailable))
}

func TestClient_FetchRange_JobTimeoutIsUpstream(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	c := newTestClient(t, f, false)
	c.timeout = 30 * time.Millisecond
	c.pollInterval = time.Hour

	_, err := c.FetchRange(context.Background(), evora, day, day)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUpstream), "got %v", err)
}

func TestClient_FetchRange_RequestDeadlineIsTimeout(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	c := newTestClient(t, f, false)
	c.pollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.FetchRange(ctx, evora, day, day)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTimeout), "got %v", err)
}

func TestClient_Coverage(t *testing.T) {
	f := newFakeStore(t, allOutputs(t))
	c := newTestClient(t, f, false)
	assert.True(t, c.Configured())
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	from, to := c.Coverage(now)
	assert.Equal(t, Earliest, from)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), to)
}

func TestResolveCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".cdsapirc")
	require.NoError(t, os.WriteFile(path, []byte("url: https://cds.example/api/\nkey: file-key\n"), 0o600))

	c, err := ResolveCredentials(path, "", "")
	require.NoError(t, err)
	assert.Equal(t, Credentials{URL: "https://cds.example/api", Key: "file-key"}, c)

	c, err = ResolveCredentials(path, "", "env-key")
	require.NoError(t, err)
	assert.Equal(t, "env-key", c.Key)

	c, err = ResolveCredentials(filepath.Join(dir, "missing"), "", "only-key")
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.URL)
	assert.True(t, c.Valid())

	require.NoError(t, os.WriteFile(path, []byte("url: [unterminated"), 0o600))
	_, err = ResolveCredentials(path, "", "")
	require.Error(t, err)
}

func TestDecodeResult(t *testing.T) {
	t.Run("pressure levels keyed by level at the nearest point", func(t *testing.T) {
		tbl, err := decodeResult(pressureLevelsOutput(t), evora)
		require.NoError(t, err)
		assert.InDelta(t, 281.15, tbl.get(day, "t700"), 1e-9)
		assert.InDelta(t, 293.15, tbl.get(day, "t850"), 1e-9)
		assert.True(t, math.IsNaN(tbl.get(day, "q850")))
	})

	t.Run("nearest point follows the location", func(t *testing.T) {
		tbl, err := decodeResult(pressureLevelsOutput(t), domain.Location{Lat: 39.1, Lon: -7.7})
		require.NoError(t, err)
		assert.InDelta(t, decoy, tbl.get(day, "t850"), 0)
	})

	t.Run("packed values are unpacked", func(t *testing.T) {
		tbl, err := decodeResult(fireIndicesOutput(t), evora)
		require.NoError(t, err)
		assert.InDelta(t, 35.5, tbl.get(day.Add(-24*time.Hour), "fwinx"), 1e-9)
		assert.InDelta(t, 622.0, tbl.get(day, "drtcode"), 1e-9)
	})

	t.Run("zip members merge", func(t *testing.T) {
		tbl, err := decodeResult(singleLevelsOutput(t), evora)
		require.NoError(t, err)
		assert.InDelta(t, 310.15, tbl.get(day, "t2m"), 1e-9)
		assert.InDelta(t, 2880000.0, tbl.get(day, "ssrd"), 1e-9)
	})

	t.Run("not netcdf", func(t *testing.T) {
		_, err := decodeResult([]byte("valid_time,t2m\n"), evora)
		require.Error(t, err)
	})

	t.Run("no time variable", func(t *testing.T) {
		data := writeNC(t, ncVar{name: "latitude", dims: []string{"latitude"}, values: gridLat})
		_, err := decodeResult(data, evora)
		require.ErrorContains(t, err, "no time variable")
	})

	t.Run("empty zip", func(t *testing.T) {
		_, err := decodeResult(zipped(t, map[string][]byte{"readme.txt": []byte("x")}), evora)
		require.ErrorIs(t, err, errNoRows)
	})
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		units string
		step  time.Duration
		ref   time.Time
	}{
		{"seconds since 1970-01-01", time.Second, time.Unix(0, 0).UTC()},
		{"hours since 1900-01-01 00:00:00.0", time.Hour, era5Epoch},
		{"days since 2000-01-01T00:00:00Z", 24 * time.Hour, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.units, func(t *testing.T) {
			step, ref, err := parseUnits(tt.units)
			require.NoError(t, err)
			assert.Equal(t, tt.step, step)
			assert.True(t, tt.ref.Equal(ref), "got %s", ref)
		})
	}

	_, _, err := parseUnits("fortnights since 1970-01-01")
	require.Error(t, err)
	_, _, err = parseUnits("")
	require.Error(t, err)
}

func TestTable_Carried(t *testing.T) {
	tbl := table{
		day.Add(-24 * time.Hour): {"fwinx": 35.5},
		day:                      {"fwinx": 41.0},
	}

	v, ok := tbl.carried(day.Add(-time.Hour), "fwinx")
	require.True(t, ok)
	assert.InDelta(t, 35.5, v, 0, "before today's value, yesterday carries")

	v, _ = tbl.carried(day.Add(5*time.Hour), "fwinx")
	assert.InDelta(t, 41.0, v, 0)

	v, _ = tbl.carried(day.Add(-48*time.Hour), "fwinx")
	assert.InDelta(t, 35.5, v, 0, "earliest value back-fills")

	_, ok = tbl.carried(day, "missing")
	assert.False(t, ok)
}

func TestHoursOfDay(t *testing.T) {
	assert.Equal(t, []string{"12:00", "13:00"}, hoursOfDay(day, day.Add(time.Hour)))
	assert.Len(t, hoursOfDay(day, day.Add(20*time.Hour)), 24)
}

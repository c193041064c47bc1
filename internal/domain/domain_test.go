package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureVector_Ordered(t *testing.T) {
	names := []string{"a", "b", "c"}

	t.Run("projects in order", func(t *testing.T) {
		fv := FeatureVector{"c": 3, "a": 1, "b": 2}
		got, err := fv.Ordered("linear", names)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3}, got)
	})

	t.Run("missing feature", func(t *testing.T) {
		_, err := FeatureVector{"a": 1, "b": 2}.Ordered("linear", names)
		require.Error(t, err)
		assert.Equal(t, KindFeatureMismatch, KindOf(err))
		assert.Contains(t, err.Error(), "missing features: c")
	})

	t.Run("extra feature", func(t *testing.T) {
		_, err := FeatureVector{"a": 1, "b": 2, "c": 3, "z": 0}.Ordered("linear", names)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected features: z")
	})

	t.Run("non-finite feature", func(t *testing.T) {
		_, err := FeatureVector{"a": 1, "b": math.NaN(), "c": math.Inf(1)}.Ordered("linear", names)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "b, c")
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	wrapped := fmt.Errorf("fetch: %w", DataGapError("cape", "no value"))
	assert.Equal(t, KindDataGap, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindDataGap}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindTimeout}))
}

func TestError_Message(t *testing.T) {
	err := WrapError(KindUpstream, "openmeteo.fetch", errors.New("status 500"))
	assert.Equal(t, "openmeteo.fetch: status 500", err.Error())

	err = &Error{Kind: KindDataGap, Op: "fuel_load", Msg: "no raster", Err: errors.New("eof")}
	assert.Equal(t, "fuel_load: no raster: eof", err.Error())
}

func TestLocation_RoundAndExtent(t *testing.T) {
	loc := Location{Lat: 39.123456, Lon: -8.987654}
	assert.Equal(t, Location{Lat: 39.12, Lon: -8.99}, loc.Round(CachePrecision))
	assert.True(t, loc.InExtent(PortugalExtent))
	assert.True(t, Location{Lat: 42.2, Lon: -6.1}.InExtent(PortugalExtent))
	assert.False(t, Location{Lat: 40.4, Lon: -3.7}.InExtent(PortugalExtent))
}

func TestGridCells(t *testing.T) {
	cells := GridCells(PortugalExtent, 0.1)
	// 36.9..42.2 gives 54 rows; -9.6..-6.1 gives 36 columns.
	assert.Len(t, cells, 54*36)
	assert.Equal(t, Location{Lat: 36.9, Lon: -9.6}, cells[0])
	assert.Equal(t, Location{Lat: 42.2, Lon: -6.1}, cells[len(cells)-1])
	assert.Nil(t, GridCells(PortugalExtent, 0))
}

func TestWeatherObservation_JSONNaNAsNull(t *testing.T) {
	in := WeatherObservation{
		Time:          time.Date(2024, 8, 3, 14, 0, 0, 0, time.UTC),
		Source:        SourceCDS,
		Temperature2m: 31.5,
		CAPE:          math.NaN(),
		FWI:           Float(22),
		DroughtCode:   Float(math.NaN()),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cape":null`)
	assert.NotContains(t, string(data), `"dc"`)

	var out WeatherObservation
	require.NoError(t, json.Unmarshal(data, &out))
	assert.InDelta(t, 31.5, out.Temperature2m, 0)
	assert.True(t, math.IsNaN(out.CAPE))
	require.NotNil(t, out.FWI)
	assert.InDelta(t, 22.0, *out.FWI, 0)
	assert.Nil(t, out.DroughtCode)
	assert.True(t, in.Time.Equal(out.Time))
}

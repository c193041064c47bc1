package derive

import (
	"math"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindDirection(t *testing.T) {
	tests := []struct {
		name string
		u, v float64
		want float64
	}{
		{"northward flow comes from south", 0, 5, 180},
		{"southward flow comes from north", 0, -5, 0},
		{"eastward flow comes from west", 5, 0, 270},
		{"westward flow comes from east", -5, 0, 90},
		{"south-westerly", 3, 3, 225},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WindDirection(tt.u, tt.v)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestWindComponents_RoundTrip(t *testing.T) {
	for _, dir := range []float64{0, 45, 90, 180, 270, 359} {
		u, v := WindComponents(7.5, dir)
		assert.InDelta(t, 7.5, WindSpeed(u, v), 1e-9)
		assert.InDelta(t, math.Mod(dir, 360), WindDirection(u, v), 1e-9, "dir %g", dir)
	}
}

func TestSaturationVaporPressure(t *testing.T) {
	assert.InDelta(t, MagnusC, SaturationVaporPressure(0), 1e-12)
	// e_s(20 °C) with these coefficients.
	assert.InDelta(t, 23.3344, SaturationVaporPressure(20), 1e-3)
}

func TestRelativeHumidity(t *testing.T) {
	assert.InDelta(t, 100, RelativeHumidity(15, 15), 1e-9)
	rh := RelativeHumidity(30, 10)
	assert.InDelta(t, 28.94, rh, 0.01)
	assert.Equal(t, 100.0, RelativeHumidity(10, 12))
}

func TestHotDryWindy(t *testing.T) {
	vpd := VaporPressureDeficit(30, 10)
	assert.InDelta(t, vpd*4, HotDryWindy(30, 10, 4), 1e-12)
	assert.Zero(t, HotDryWindy(20, 20, 10))
}

func TestLapseRate850700(t *testing.T) {
	got := LapseRate850700(10, 0, 1500, 3100, 1010)
	assert.InDelta(t, 6.25, got, 1e-12)

	assert.True(t, math.IsNaN(LapseRate850700(10, 0, 1500, 3100, 720)), "masked at 720 hPa")
	assert.True(t, math.IsNaN(LapseRate850700(10, 0, 3100, 1500, 1010)), "inverted layer")
}

func observation(hour int) domain.WeatherObservation {
	return domain.WeatherObservation{
		Time:          time.Date(2024, 8, 1, hour, 0, 0, 0, time.UTC),
		Temperature2m: 30,
		Dewpoint2m:    10,
		Pressure:      1000,
		U10:           3,
		V10:           4,
		U100:          6,
		V100:          8,
		V850:          10,
		T850:          20,
		T700:          10,
		Z850:          1500,
		Z700:          3100,
		CAPE:          100 * float64(hour+1),
		SoilWater100:  0.2,
	}
}

func TestHourlyFeatures(t *testing.T) {
	f := HourlyFeatures(observation(0))
	assert.InDelta(t, VaporPressureDeficit(30, 10)*5, f[FeatureHDW], 1e-12)
	assert.InDelta(t, 36, f[FeatureWind850], 1e-12)
	assert.InDelta(t, 36, f[FeatureWind100], 1e-12)
	assert.InDelta(t, 6.25, f[FeatureLapse], 1e-12)
	assert.Equal(t, 0.2, f[FeatureSoil100])
	assert.True(t, math.IsNaN(f[FeatureFWI]))
	assert.True(t, math.IsNaN(f[FeatureDC]))
}

func TestAverage(t *testing.T) {
	series := []domain.WeatherObservation{observation(0), observation(1), observation(2)}
	series[0].FWI = domain.Float(20)
	series[2].FWI = domain.Float(30)
	series[1].Pressure = 700

	avg := Average(series)
	assert.InDelta(t, 200, avg[FeatureCAPE], 1e-12)
	assert.InDelta(t, 25, avg[FeatureFWI], 1e-12, "absent hours skipped")
	assert.InDelta(t, 6.25, avg[FeatureLapse], 1e-12, "masked hour skipped")
	_, ok := avg[FeatureDC]
	assert.False(t, ok, "no drought code in any hour")
}

func TestAverage_AllMasked(t *testing.T) {
	obs := observation(0)
	obs.Pressure = 650
	avg := Average([]domain.WeatherObservation{obs})
	_, ok := avg[FeatureLapse]
	assert.False(t, ok)
}

func TestSignatures_CoverWeatherFeatures(t *testing.T) {
	sigs := Signatures()
	require.Len(t, sigs, len(WeatherFeatures))
	for _, f := range WeatherFeatures {
		assert.NotEmpty(t, sigs[f], f)
		assert.True(t, IsWeatherFeature(f))
	}
	assert.Contains(t, sigs[FeatureHDW], "17.625")
	assert.False(t, IsWeatherFeature("duration_p"))
}

package derive

import (
	"fmt"
	"math"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// Weather feature names, as used in model artifacts. The _av suffix marks a
// cumulative mean over the hours from fire start.
const (
	FeatureHDW     = "HDW_av"
	FeatureWind850 = "wv_850_av"
	FeatureCAPE    = "Cape_av"
	FeatureLapse   = "gT_8_7_av"
	FeatureSoil100 = "sW_100_av"
	FeatureWind100 = "wv100_k_av"
	FeatureFWI     = "FWI_12h_av"
	FeatureDC      = "DC_12h_av"
)

// WeatherFeatures lists every feature HourlyFeatures can produce.
var WeatherFeatures = []string{
	FeatureHDW, FeatureWind850, FeatureCAPE, FeatureLapse,
	FeatureSoil100, FeatureWind100, FeatureFWI, FeatureDC,
}

// IsWeatherFeature reports whether name is computed from weather observations.
func IsWeatherFeature(name string) bool {
	for _, f := range WeatherFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// HourlyFeatures computes the per-hour value of every weather feature.
// Invalid values (masked lapse rate, absent fire indices) are NaN.
func HourlyFeatures(obs domain.WeatherObservation) map[string]float64 {
	wind10 := WindSpeed(obs.U10, obs.V10)
	out := map[string]float64{
		FeatureHDW:     HotDryWindy(obs.Temperature2m, obs.Dewpoint2m, wind10),
		FeatureWind850: WindSpeed(obs.U850, obs.V850) * MSToKMH,
		FeatureCAPE:    obs.CAPE,
		FeatureLapse:   LapseRate850700(obs.T850, obs.T700, obs.Z850, obs.Z700, obs.Pressure),
		FeatureSoil100: obs.SoilWater100,
		FeatureWind100: WindSpeed(obs.U100, obs.V100) * MSToKMH,
		FeatureFWI:     math.NaN(),
		FeatureDC:      math.NaN(),
	}
	if obs.FWI != nil {
		out[FeatureFWI] = *obs.FWI
	}
	if obs.DroughtCode != nil {
		out[FeatureDC] = *obs.DroughtCode
	}
	return out
}

// Average returns the mean of each weather feature over the observations,
// skipping NaN hours. Features with no valid hour are omitted.
func Average(series []domain.WeatherObservation) map[string]float64 {
	sums := make(map[string]float64, len(WeatherFeatures))
	counts := make(map[string]int, len(WeatherFeatures))
	for _, obs := range series {
		for name, v := range HourlyFeatures(obs) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sums[name] += v
			counts[name]++
		}
	}
	out := make(map[string]float64, len(sums))
	for name, sum := range sums {
		out[name] = sum / float64(counts[name])
	}
	return out
}

// Signatures describes how each weather feature is computed, including the
// constants involved. Model artifacts record the signatures their training
// data used; a model whose signatures differ is rejected at load time.
func Signatures() map[string]string {
	magnus := fmt.Sprintf("magnus(a=%g,b=%g,c=%g)", MagnusA, MagnusB, MagnusC)
	return map[string]string{
		FeatureHDW:     fmt.Sprintf("mean(vpd_hpa[%s]*hypot(u10,v10)_ms)", magnus),
		FeatureWind850: fmt.Sprintf("mean(hypot(u850,v850)*%g)", MSToKMH),
		FeatureCAPE:    "mean(cape)",
		FeatureLapse:   fmt.Sprintf("mean_valid((t850-t700)/((z700-z850)/1000),z=gp/%g,sp>%g)", Gravity, MinValidSurfacePressure),
		FeatureSoil100: "mean(swvl3)",
		FeatureWind100: fmt.Sprintf("mean(hypot(u100,v100)*%g)", MSToKMH),
		FeatureFWI:     "mean(fwinx)",
		FeatureDC:      "mean(drtcode)",
	}
}

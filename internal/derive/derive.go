// Package derive computes the meteorological quantities the models were
// trained on from raw weather observations. All functions are pure.
package derive

import "math"

// Magnus coefficients for saturation vapour pressure over water
// (Alduchov and Eskridge 1996).
const (
	MagnusA = 17.625
	MagnusB = 243.04 // °C
	MagnusC = 6.1094 // hPa
)

// Gravity converts geopotential (m2/s2) to geopotential height (m).
const Gravity = 9.80665

// MinValidSurfacePressure masks the 850-700 hPa lapse rate over terrain
// where the 850 hPa level lies below ground.
const MinValidSurfacePressure = 720.0 // hPa

// MSToKMH converts metres per second to kilometres per hour.
const MSToKMH = 3.6

// WindSpeed returns the magnitude of the (u, v) vector in the input units.
func WindSpeed(u, v float64) float64 {
	return math.Hypot(u, v)
}

// WindDirection returns the direction the wind blows from, in degrees
// clockwise from north within [0, 360).
func WindDirection(u, v float64) float64 {
	deg := 180 + math.Atan2(u, v)*180/math.Pi
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// WindComponents is the inverse of WindSpeed and WindDirection.
func WindComponents(speed, fromDeg float64) (u, v float64) {
	rad := fromDeg * math.Pi / 180
	return -speed * math.Sin(rad), -speed * math.Cos(rad)
}

// SaturationVaporPressure returns e_s(T) in hPa for T in °C.
func SaturationVaporPressure(tempC float64) float64 {
	return MagnusC * math.Exp(MagnusA*tempC/(tempC+MagnusB))
}

// RelativeHumidity returns RH in percent from temperature and dew point (°C),
// clamped to [0, 100].
func RelativeHumidity(tempC, dewC float64) float64 {
	rh := 100 * SaturationVaporPressure(dewC) / SaturationVaporPressure(tempC)
	return math.Max(0, math.Min(100, rh))
}

// VaporPressureDeficit returns e_s(T) - e(Td) in hPa, floored at zero.
func VaporPressureDeficit(tempC, dewC float64) float64 {
	return math.Max(0, SaturationVaporPressure(tempC)-SaturationVaporPressure(dewC))
}

// HotDryWindy returns the Hot-Dry-Windy index: VPD (hPa) times wind speed
// (m/s), after Srock et al. (2018).
func HotDryWindy(tempC, dewC, windMS float64) float64 {
	return VaporPressureDeficit(tempC, dewC) * windMS
}

// GeopotentialHeight converts geopotential (m2/s2) to metres.
func GeopotentialHeight(geopotential float64) float64 {
	return geopotential / Gravity
}

// LapseRate850700 returns the 850-700 hPa temperature gradient in °C/km.
// The result is NaN when the layer thickness is not positive or the surface
// pressure is at or below MinValidSurfacePressure.
func LapseRate850700(t850, t700, z850, z700, surfacePressure float64) float64 {
	if surfacePressure <= MinValidSurfacePressure {
		return math.NaN()
	}
	thickness := (z700 - z850) / 1000
	if thickness <= 0 {
		return math.NaN()
	}
	return (t850 - t700) / thickness
}

// KelvinToCelsius converts K to °C.
func KelvinToCelsius(k float64) float64 { return k - 273.15 }

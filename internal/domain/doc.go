// Package domain models wildfire Rate of Spread (ROS) prediction requests,
// the weather and raster inputs they depend on, and the results returned to
// clients.
//
// # Coverage
//
// Predictions are served for continental Portugal only. The coverage box is
// latitude 36.9 to 42.2 and longitude -9.6 to -6.1 (WGS-84), the same extent
// the static rasters and training data were produced for. See [PortugalExtent].
//
// # Time Window
//
// Historical fire starts are accepted from 2015-01-01 up to three calendar
// months before "now", inclusive on both ends. A request exactly three months
// old is accepted; one day more recent is rejected. The three-month bound keeps
// requests inside the period where burned-area rasters are final.
//
// # Units
//
// All weather observations are normalised before they leave an adapter:
//
//	Temperature, dew point:     degrees Celsius
//	Wind components (u, v):     metres per second, u eastward, v northward
//	Surface pressure:           hectopascals
//	Geopotential height:        metres (geopotential / 9.80665)
//	CAPE:                       J/kg
//	Soil water (28-100 cm):     m3/m3
//
// ROS is reported in metres per minute. Models predict ln(ROS); the response
// value is always exp of the model output.
//
// # Wind Direction
//
// Directions follow the meteorological "from" convention, clockwise from
// north, in [0, 360). A wind with u = 0 and v > 0 blows towards the north and
// therefore comes from 180 degrees.
//
// # Error Kinds
//
// Every failure surfaced to callers carries a [Kind] so the HTTP layer can map
// it to a stable code without string matching. See [Error].
package domain

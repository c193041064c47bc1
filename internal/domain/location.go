package domain

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Location is a WGS-84 latitude/longitude pair in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PortugalExtent is the bounding box the service accepts requests for.
var PortugalExtent = orb.Bound{
	Min: orb.Point{-9.6, 36.9},
	Max: orb.Point{-6.1, 42.2},
}

// CachePrecision is the number of decimal places locations are rounded to
// before weather fetches and cache lookups.
const CachePrecision = 2

// Point converts the location to an orb point (lon, lat order).
func (l Location) Point() orb.Point {
	return orb.Point{l.Lon, l.Lat}
}

// InExtent reports whether the location lies within b (inclusive).
func (l Location) InExtent(b orb.Bound) bool {
	return b.Contains(l.Point())
}

// Round discretizes the location to the given number of decimal places.
func (l Location) Round(places int) Location {
	return Location{Lat: roundTo(l.Lat, places), Lon: roundTo(l.Lon, places)}
}

func (l Location) String() string {
	return fmt.Sprintf("%.4f,%.4f", l.Lat, l.Lon)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// GridCells returns the cell centres of a regular lat/lon grid covering b
// at the given resolution in degrees. Points are ordered south to north,
// then west to east, and rounded to suppress float drift.
func GridCells(b orb.Bound, resolution float64) []Location {
	if resolution <= 0 {
		return nil
	}
	nLat := int(math.Floor((b.Max.Lat()-b.Min.Lat())/resolution+1e-9)) + 1
	nLon := int(math.Floor((b.Max.Lon()-b.Min.Lon())/resolution+1e-9)) + 1
	cells := make([]Location, 0, nLat*nLon)
	for i := range nLat {
		lat := roundTo(b.Min.Lat()+float64(i)*resolution, 4)
		for j := range nLon {
			lon := roundTo(b.Min.Lon()+float64(j)*resolution, 4)
			cells = append(cells, Location{Lat: lat, Lon: lon})
		}
	}
	return cells
}

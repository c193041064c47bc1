// Package cache persists fetched weather and computed results as JSON files
// keyed by source, rounded location, and hour.
package cache

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// Key identifies one cache entry. Build keys with NewKey so location and time
// are discretized consistently.
type Key struct {
	Source     string    `json:"source"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Time       time.Time `json:"time"`
	Resolution string    `json:"resolution"`
	Variant    string    `json:"variant,omitempty"`
}

// DefaultResolution labels hourly point data.
const DefaultResolution = "1h"

// NewKey rounds loc to domain.CachePrecision decimals and truncates t to the
// hour in UTC.
func NewKey(source string, loc domain.Location, t time.Time, variant string) Key {
	r := loc.Round(domain.CachePrecision)
	return Key{
		Source:     source,
		Lat:        r.Lat,
		Lon:        r.Lon,
		Time:       t.UTC().Truncate(time.Hour),
		Resolution: DefaultResolution,
		Variant:    variant,
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Name returns the deterministic file name for the key.
func (k Key) Name() string {
	parts := []string{
		sanitize(k.Source),
		k.Time.UTC().Format("20060102_15"),
		formatCoord(k.Lat),
		formatCoord(k.Lon),
		sanitize(k.Resolution),
	}
	if k.Variant != "" {
		parts = append(parts, sanitize(k.Variant))
	}
	return strings.Join(parts, "_") + ".json"
}

func (k Key) String() string {
	return strings.TrimSuffix(k.Name(), ".json")
}

func formatCoord(v float64) string {
	// Avoid "-0.00" so keys for 0 and -0 match.
	if math.Abs(v) < 0.005 {
		v = 0
	}
	return fmt.Sprintf("%.2f", v)
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	if s == "" {
		return "none"
	}
	return s
}

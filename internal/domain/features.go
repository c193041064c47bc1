package domain

import (
	"math"
	"sort"
	"strings"
)

// FeatureVector maps model feature names to values.
type FeatureVector map[string]float64

// Ordered projects the vector onto names in order. The vector must contain
// exactly those names with finite values.
func (fv FeatureVector) Ordered(model string, names []string) ([]float64, error) {
	var missing, invalid []string
	out := make([]float64, len(names))
	want := make(map[string]struct{}, len(names))
	for i, n := range names {
		want[n] = struct{}{}
		v, ok := fv[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			invalid = append(invalid, n)
			continue
		}
		out[i] = v
	}

	var extra []string
	for n := range fv {
		if _, ok := want[n]; !ok {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)

	switch {
	case len(missing) > 0:
		return nil, FeatureMismatchError(model, "missing features: %s", strings.Join(missing, ", "))
	case len(invalid) > 0:
		return nil, FeatureMismatchError(model, "non-finite features: %s", strings.Join(invalid, ", "))
	case len(extra) > 0:
		return nil, FeatureMismatchError(model, "unexpected features: %s", strings.Join(extra, ", "))
	}
	return out, nil
}

// Names returns the feature names in sorted order.
func (fv FeatureVector) Names() []string {
	names := make([]string, 0, len(fv))
	for n := range fv {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

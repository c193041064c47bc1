package cds

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// table holds decoded point values by hour and variable. Pressure-level
// variables are keyed by name and level, e.g. "t850".
type table map[time.Time]map[string]float64

var (
	timeNames  = []string{"valid_time", "time"}
	levelNames = []string{"pressure_level", "level", "isobaricInhPa"}
	latNames   = []string{"latitude", "lat"}
	lonNames   = []string{"longitude", "lon"}
	skipNames  = map[string]bool{"number": true, "expver": true, "step": true, "surface": true}
	refLayouts = []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

var errNoRows = errors.New("no data")

// decodeResult decodes a download for the grid point nearest loc. The store
// returns one NetCDF file, or a zip of several when a request mixes
// instantaneous and accumulated fields.
func decodeResult(body []byte, loc domain.Location) (table, error) {
	out := table{}
	if bytes.HasPrefix(body, []byte("PK")) {
		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		for _, zf := range zr.File {
			if !strings.HasSuffix(zf.Name, ".nc") {
				continue
			}
			data, err := readZipped(zf)
			if err != nil {
				return nil, err
			}
			if err := decodeNetCDF(data, loc, out); err != nil {
				return nil, fmt.Errorf("%s: %w", zf.Name, err)
			}
		}
	} else if err := decodeNetCDF(body, loc, out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errNoRows
	}
	return out, nil
}

func readZipped(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", zf.Name, err)
	}
	return data, nil
}

// decodeNetCDF adds every time-dimensioned variable of one file to out.
// The reader opens files by name, so the payload goes through a temp file.
func decodeNetCDF(data []byte, loc domain.Location, out table) error {
	f, err := os.CreateTemp("", "cds-*.nc")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	nc, err := netcdf.Open(f.Name())
	if err != nil {
		return fmt.Errorf("open netcdf: %w", err)
	}
	defer nc.Close()
	return readGroup(nc, loc, out)
}

func readGroup(g api.Group, loc domain.Location, out table) error {
	names := g.ListVariables()
	timeName := firstOf(names, timeNames)
	if timeName == "" {
		return fmt.Errorf("no time variable in %v", names)
	}
	times, err := readTimes(g, timeName)
	if err != nil {
		return err
	}

	levelName := firstOf(names, levelNames)
	var levels []string
	if levelName != "" {
		vals, err := readNumbers(g, levelName)
		if err != nil {
			return err
		}
		for _, v := range vals {
			levels = append(levels, strconv.Itoa(int(math.Round(v))))
		}
	}

	// Index chosen along each spatial dimension; any other extra
	// dimension takes its first entry.
	pick := map[string]int{}
	latName, lonName := firstOf(names, latNames), firstOf(names, lonNames)
	for _, axis := range []struct {
		name string
		want float64
	}{{latName, loc.Lat}, {lonName, loc.Lon}} {
		if axis.name == "" {
			continue
		}
		vals, err := readNumbers(g, axis.name)
		if err != nil {
			return err
		}
		pick[axis.name] = nearest(vals, axis.want)
	}

	for _, name := range names {
		if name == timeName || name == levelName || name == latName || name == lonName || skipNames[name] {
			continue
		}
		v, err := g.GetVariable(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if !slices.Contains(v.Dimensions, timeName) {
			continue
		}
		vals, shape, ok := flatten(v.Values)
		if !ok || len(shape) != len(v.Dimensions) {
			continue
		}
		p := readPacking(v.Attributes)

		levelIdx := []int{-1}
		if levelName != "" && slices.Contains(v.Dimensions, levelName) {
			levelIdx = levelIdx[:0]
			for i := range levels {
				levelIdx = append(levelIdx, i)
			}
		}
		for ti, ts := range times {
			for _, li := range levelIdx {
				idx, ok := offset(v.Dimensions, shape, func(dim string) int {
					switch dim {
					case timeName:
						return ti
					case levelName:
						return li
					}
					return pick[dim]
				})
				if !ok {
					continue
				}
				raw := vals[idx]
				if math.IsNaN(raw) || (p.hasFill && raw == p.fill) {
					continue
				}
				col := name
				if li >= 0 {
					col += levels[li]
				}
				row, found := out[ts]
				if !found {
					row = map[string]float64{}
					out[ts] = row
				}
				row[col] = raw*p.scale + p.offset
			}
		}
	}
	return nil
}

// offset is the row-major position of the element selected by at.
func offset(dims []string, shape []int, at func(dim string) int) (int, bool) {
	idx := 0
	for d, dim := range dims {
		i := at(dim)
		if i < 0 || i >= shape[d] {
			return 0, false
		}
		idx = idx*shape[d] + i
	}
	return idx, true
}

func readTimes(g api.Group, name string) ([]time.Time, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	units, _ := attrString(v.Attributes, "units")
	step, ref, err := parseUnits(units)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	vals, _, ok := flatten(v.Values)
	if !ok {
		return nil, fmt.Errorf("%s is not numeric", name)
	}
	out := make([]time.Time, len(vals))
	for i, x := range vals {
		out[i] = ref.Add(time.Duration(x * float64(step))).UTC().Truncate(time.Hour)
	}
	return out, nil
}

// parseUnits reads CF time units such as "hours since 1900-01-01 00:00:00.0".
func parseUnits(units string) (time.Duration, time.Time, error) {
	unit, since, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time units %q", units)
	}
	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "seconds", "second", "s":
		step = time.Second
	case "minutes", "minute":
		step = time.Minute
	case "hours", "hour", "h":
		step = time.Hour
	case "days", "day", "d":
		step = 24 * time.Hour
	default:
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", unit)
	}
	since = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(since), "UTC"), "Z")
	since = strings.TrimSpace(since)
	if i := strings.IndexByte(since, '.'); i >= 0 {
		since = since[:i]
	}
	for _, layout := range refLayouts {
		if ref, err := time.Parse(layout, since); err == nil {
			return step, ref, nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("unparseable reference time %q", since)
}

func readNumbers(g api.Group, name string) ([]float64, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	vals, _, ok := flatten(v.Values)
	if !ok {
		return nil, fmt.Errorf("%s is not numeric", name)
	}
	return vals, nil
}

// flatten converts a scalar or nested numeric slice to row-major float64
// values and its shape.
func flatten(v any) ([]float64, []int, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, nil, false
	}
	var shape []int
	for t := rv; t.Kind() == reflect.Slice; t = t.Index(0) {
		shape = append(shape, t.Len())
		if t.Len() == 0 {
			break
		}
	}
	var out []float64
	ok := true
	var walk func(reflect.Value)
	walk = func(r reflect.Value) {
		switch r.Kind() {
		case reflect.Slice, reflect.Array:
			for i := range r.Len() {
				walk(r.Index(i))
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, r.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out = append(out, float64(r.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(r.Uint()))
		default:
			ok = false
		}
	}
	walk(rv)
	return out, shape, ok
}

type packing struct {
	scale, offset float64
	fill          float64
	hasFill       bool
}

func readPacking(attrs api.AttributeMap) packing {
	p := packing{scale: 1}
	if v, ok := attrNumber(attrs, "scale_factor"); ok {
		p.scale = v
	}
	if v, ok := attrNumber(attrs, "add_offset"); ok {
		p.offset = v
	}
	for _, key := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrNumber(attrs, key); ok {
			p.fill, p.hasFill = v, true
			break
		}
	}
	return p
}

func attrNumber(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, has := attrs.Get(key)
	if !has {
		return 0, false
	}
	vals, _, ok := flatten(raw)
	if !ok || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func attrString(attrs api.AttributeMap, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	raw, has := attrs.Get(key)
	if !has {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func nearest(vals []float64, want float64) int {
	best := 0
	for i, v := range vals {
		if math.Abs(v-want) < math.Abs(vals[best]-want) {
			best = i
		}
	}
	return best
}

func firstOf(names, candidates []string) string {
	for _, c := range candidates {
		if slices.Contains(names, c) {
			return c
		}
	}
	return ""
}

// get returns the value of column at ts, or NaN.
func (t table) get(ts time.Time, column string) float64 {
	if row, ok := t[ts]; ok {
		if v, ok := row[column]; ok {
			return v
		}
	}
	return math.NaN()
}

// carried returns the latest value of column at or before ts, falling back
// to the earliest value. Daily fire indices are spread over the hours this
// way.
func (t table) carried(ts time.Time, column string) (float64, bool) {
	times := make([]time.Time, 0, len(t))
	for k, row := range t {
		if _, ok := row[column]; ok {
			times = append(times, k)
		}
	}
	if len(times) == 0 {
		return 0, false
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	best := times[0]
	for _, k := range times {
		if k.After(ts) {
			break
		}
		best = k
	}
	return t[best][column], true
}

package raster

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// Well-known raster variables.
const (
	VarBurned3to8y = "3_8y_fir_p"
	VarBurned8ny   = "8_ny_fir_p"
	VarElevation   = "elevation"
	VarSlope       = "slope"
	VarAspect      = "aspect"
	VarFuelLoad    = "fuel_load"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Reader serves point lookups from every GeoTIFF in a directory. Files are
// opened once and shared read-only across goroutines.
type Reader struct {
	dir     string
	rasters map[string]*GeoTIFF
	logger  *slog.Logger
}

// NewReader opens every *.tif under dir (non-recursive). Files that fail to
// parse are logged and skipped. A missing directory yields an empty reader.
func NewReader(dir string, logger *slog.Logger) (*Reader, error) {
	r := &Reader{dir: dir, rasters: make(map[string]*GeoTIFF), logger: logger}
	if dir == "" {
		return r, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tif"))
	if err != nil {
		return nil, fmt.Errorf("scan raster dir: %w", err)
	}
	if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
		logger.Warn("raster directory does not exist", "dir", dir)
		return r, nil
	}
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		g, err := Open(path)
		if err != nil {
			logger.Warn("skipping unreadable raster", "path", path, "error", err)
			continue
		}
		r.rasters[name] = g
	}
	logger.Info("rasters loaded", "dir", dir, "count", len(r.rasters))
	return r, nil
}

// Close releases every open raster.
func (r *Reader) Close() error {
	var errs []error
	for _, g := range r.rasters {
		errs = append(errs, g.Close())
	}
	return errors.Join(errs...)
}

// Names lists the available raster variables in sorted order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.rasters))
	for n := range r.rasters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the variable is available.
func (r *Reader) Has(variable string) bool {
	_, ok := r.rasters[variable]
	return ok
}

// Value reads the variable at loc. An unknown variable is a NotFound error;
// a point outside the raster or on a no-data pixel is a DataGap error.
func (r *Reader) Value(variable string, loc domain.Location) (domain.RasterVariable, error) {
	out := domain.RasterVariable{Variable: variable, Location: loc}
	if !validName.MatchString(variable) {
		return out, domain.NewError(domain.KindValidation, "raster", "invalid raster name %q", variable)
	}
	g, ok := r.rasters[variable]
	if !ok {
		return out, domain.NewError(domain.KindNotFound, "raster", "raster %q not found", variable)
	}
	out.Path = g.Path
	v, valid, err := g.At(loc.Lon, loc.Lat)
	switch {
	case errors.Is(err, errOutOfBounds):
		return out, domain.DataGapError(variable, fmt.Sprintf("%s outside raster extent", loc))
	case err != nil:
		return out, domain.WrapError(domain.KindInternal, "raster "+variable, err)
	case !valid:
		return out, domain.DataGapError(variable, fmt.Sprintf("no data at %s", loc))
	}
	out.Value = &v
	return out, nil
}

// Optional reads the variable at loc, returning nil when it is missing or has
// no value there.
func (r *Reader) Optional(variable string, loc domain.Location) *float64 {
	rv, err := r.Value(variable, loc)
	if err != nil {
		return nil
	}
	return rv.Value
}

// fuelYearOffsets is the order in which neighbouring years are tried when
// the fire year has no fuel map.
var fuelYearOffsets = []int{0, -1, 1, -2, 2}

// FuelLoadName is the raster variable holding fuel load for year.
func FuelLoadName(year int) string {
	return "fuel_load_0.1deg_" + strconv.Itoa(year)
}

// FuelLoad returns the fuel load at loc for the given year, falling back to
// the nearest available year within two and then to the generic fuel map.
// The returned year is zero when the generic map was used.
func (r *Reader) FuelLoad(loc domain.Location, year int) (float64, int, error) {
	for _, off := range fuelYearOffsets {
		y := year + off
		if v := r.Optional(FuelLoadName(y), loc); v != nil {
			return *v, y, nil
		}
	}
	if v := r.Optional(VarFuelLoad, loc); v != nil {
		return *v, 0, nil
	}
	return 0, 0, domain.DataGapError("f_load_av", fmt.Sprintf("no fuel load within two years of %d at %s", year, loc))
}

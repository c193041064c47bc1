// Command genmodels writes the reference model artifacts and, optionally, a
// set of synthetic rasters covering continental Portugal for local
// development.
//
// Usage:
//
//	go run ./cmd/genmodels -models-dir models -raster-dir data/rasters
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"path/filepath"

	"github.com/couchcryptid/wildfire-ros-service/internal/derive"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/raster"
)

// surface maps a normalised position (0..1 west to east, 0..1 south to
// north) to a raster value.
type surface func(x, y float64) float64

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	modelsDir := flag.String("models-dir", "models", "output directory for model artifacts")
	rasterDir := flag.String("raster-dir", "", "output directory for synthetic rasters (skipped when empty)")
	res := flag.Float64("res", 0.01, "synthetic raster pixel size in degrees")
	firstYear := flag.Int("fuel-from", 2015, "first fuel load year")
	lastYear := flag.Int("fuel-to", 2024, "last fuel load year")
	flag.Parse()

	artifacts := map[string]*model.Artifact{
		"linear.json":  model.ReferenceLinearArtifact(),
		"complex.json": model.DevelopmentComplexArtifact(),
	}
	for name, a := range artifacts {
		path := filepath.Join(*modelsDir, name)
		if err := model.WriteArtifact(path, a); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		log.Printf("wrote %s (%s, %d features)", path, a.Kind, len(a.Features))
	}

	if *rasterDir == "" {
		return nil
	}
	if *res <= 0 {
		return fmt.Errorf("-res must be positive")
	}

	surfaces := map[string]surface{
		raster.VarElevation:   func(x, y float64) float64 { return 50 + 1800*x*x*(0.5+0.5*math.Sin(6*y)) },
		raster.VarSlope:       func(x, y float64) float64 { return 30 * x * math.Abs(math.Sin(9*y)) },
		raster.VarAspect:      func(x, y float64) float64 { return math.Mod(360*(x+y), 360) },
		raster.VarBurned3to8y: func(x, y float64) float64 { return 0.3 * math.Abs(math.Sin(5*x)*math.Cos(4*y)) },
		raster.VarBurned8ny:   func(x, y float64) float64 { return 0.5 * math.Abs(math.Cos(3*x)*math.Sin(7*y)) },
		raster.VarFuelLoad:    fuelSurface(0),
		derive.FeatureFWI:     func(x, y float64) float64 { return 10 + 40*(1-y) },
		derive.FeatureDC:      func(x, y float64) float64 { return 150 + 600*(1-y)*(0.5+0.5*x) },
	}
	for year := *firstYear; year <= *lastYear; year++ {
		surfaces[raster.FuelLoadName(year)] = fuelSurface(year)
	}

	for name, fn := range surfaces {
		path := filepath.Join(*rasterDir, name+".tif")
		if err := raster.WriteFile(path, synthesize(*res, fn), raster.WriteOptions{TileSize: 256, Deflate: true}); err != nil {
			return fmt.Errorf("write raster %s: %w", name, err)
		}
		log.Printf("wrote %s", path)
	}
	return nil
}

// fuelSurface varies slightly by year so substitute-year lookups are visible.
func fuelSurface(year int) surface {
	shift := float64(year%7) / 7
	return func(x, y float64) float64 { return 0.5 + 2*math.Abs(math.Sin(4*x+shift)*math.Cos(3*y)) }
}

// synthesize samples fn over the Portugal extent. The westernmost column is
// left as no-data to mimic the ocean edge of real rasters.
func synthesize(res float64, fn surface) raster.Grid {
	ext := domain.PortugalExtent
	width := int(math.Ceil((ext.Max.Lon() - ext.Min.Lon()) / res))
	height := int(math.Ceil((ext.Max.Lat() - ext.Min.Lat()) / res))
	noData := -9999.0

	data := make([]float32, width*height)
	for row := range height {
		y := 1 - (float64(row)+0.5)/float64(height)
		for col := range width {
			if col == 0 {
				data[row*width+col] = float32(noData)
				continue
			}
			x := (float64(col) + 0.5) / float64(width)
			data[row*width+col] = float32(fn(x, y))
		}
	}
	return raster.Grid{
		Width:     width,
		Height:    height,
		Data:      data,
		West:      ext.Min.Lon(),
		North:     ext.Max.Lat(),
		PixelSize: res,
		NoData:    &noData,
	}
}

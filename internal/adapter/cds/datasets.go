package cds

import (
	"fmt"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
)

// dataset is one retrieve-API process and the inputs it needs.
type dataset struct {
	name   string
	fixed  map[string]any
	hourly bool // daily products take no "time" input
}

var singleLevels = dataset{
	name: "reanalysis-era5-single-levels",
	fixed: map[string]any{
		"product_type": []string{"reanalysis"},
		"variable": []string{
			"2m_temperature", "2m_dewpoint_temperature", "surface_pressure",
			"10m_u_component_of_wind", "10m_v_component_of_wind",
			"100m_u_component_of_wind", "100m_v_component_of_wind",
			"convective_available_potential_energy", "volumetric_soil_water_layer_3",
			"total_cloud_cover", "surface_solar_radiation_downwards",
		},
	},
	hourly: true,
}

var pressureLevels = dataset{
	name: "reanalysis-era5-pressure-levels",
	fixed: map[string]any{
		"product_type":   []string{"reanalysis"},
		"variable":       []string{"temperature", "u_component_of_wind", "v_component_of_wind", "geopotential"},
		"pressure_level": []string{"700", "850"},
	},
	hourly: true,
}

var fireIndices = dataset{
	name: "cems-fire-historical-v1",
	fixed: map[string]any{
		"product_type":   []string{"reanalysis"},
		"variable":       []string{"fire_weather_index", "drought_code"},
		"dataset_type":   "consolidated_dataset",
		"system_version": []string{"4_1"},
		"grid":           "0.25/0.25",
	},
}

// pointMargin pads the requested area around the point; the decoder then
// takes the grid point nearest to it.
const pointMargin = 0.5

// inputs builds the request for the point loc over [from, to]. The gridded
// stores only deliver NetCDF or GRIB, so NetCDF is requested unarchived.
func (d dataset) inputs(loc domain.Location, from, to time.Time) map[string]any {
	in := make(map[string]any, len(d.fixed)+7)
	for k, v := range d.fixed {
		in[k] = v
	}
	years, months, days := calendar(from, to)
	in["year"] = years
	in["month"] = months
	in["day"] = days
	if d.hourly {
		in["time"] = hoursOfDay(from, to)
	}
	// North, west, south, east.
	in["area"] = []float64{loc.Lat + pointMargin, loc.Lon - pointMargin, loc.Lat - pointMargin, loc.Lon + pointMargin}
	in["data_format"] = "netcdf"
	in["download_format"] = "unarchived"
	return in
}

// calendar lists the distinct years, months and days touched by [from, to].
func calendar(from, to time.Time) (years, months, days []string) {
	seen := map[string]map[string]bool{"y": {}, "m": {}, "d": {}}
	add := func(kind, v string, dst *[]string) {
		if !seen[kind][v] {
			seen[kind][v] = true
			*dst = append(*dst, v)
		}
	}
	for d := from.UTC().Truncate(24 * time.Hour); !d.After(to); d = d.Add(24 * time.Hour) {
		add("y", fmt.Sprintf("%04d", d.Year()), &years)
		add("m", fmt.Sprintf("%02d", int(d.Month())), &months)
		add("d", fmt.Sprintf("%02d", d.Day()), &days)
	}
	return years, months, days
}

// hoursOfDay lists the hours needed. Spans within one day ask only for
// those hours; longer spans need every hour since the request is a
// cross product of days and times.
func hoursOfDay(from, to time.Time) []string {
	start, end := 0, 23
	if from.UTC().Truncate(24*time.Hour).Equal(to.UTC().Truncate(24 * time.Hour)) {
		start, end = from.UTC().Hour(), to.UTC().Hour()
	}
	out := make([]string, 0, end-start+1)
	for h := start; h <= end; h++ {
		out = append(out, fmt.Sprintf("%02d:00", h))
	}
	return out
}

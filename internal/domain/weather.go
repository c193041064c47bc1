package domain

import (
	"encoding/json"
	"math"
	"time"
)

// WeatherObservation is one hour of normalised weather at a point. Providers
// fill the raw fields; wind speed, humidity and the other derived quantities
// are computed downstream from these values only. A value the provider did
// not deliver is NaN.
type WeatherObservation struct {
	Time     time.Time
	Location Location
	Source   Source
	Dataset  string

	Temperature2m float64  // °C
	Dewpoint2m    float64  // °C
	Pressure      float64  // surface pressure, hPa
	U10           float64  // m/s
	V10           float64  // m/s
	U100          float64  // m/s
	V100          float64  // m/s
	U850          float64  // m/s
	V850          float64  // m/s
	T850          float64  // °C
	T700          float64  // °C
	Z850          float64  // geopotential height, m
	Z700          float64  // geopotential height, m
	CAPE          float64  // J/kg
	SoilWater100  float64  // m3/m3
	CloudCover    *float64 // %
	Solar         *float64 // W/m2
	FWI           *float64
	DroughtCode   *float64
}

// Float returns a pointer to v, for the optional observation fields.
func Float(v float64) *float64 { return &v }

// observationJSON is the wire form. JSON has no NaN, so missing values
// travel as null.
type observationJSON struct {
	Time     time.Time `json:"time"`
	Location Location  `json:"location"`
	Source   Source    `json:"source"`
	Dataset  string    `json:"dataset"`

	Temperature2m *float64 `json:"t2m"`
	Dewpoint2m    *float64 `json:"d2m"`
	Pressure      *float64 `json:"sp"`
	U10           *float64 `json:"u10"`
	V10           *float64 `json:"v10"`
	U100          *float64 `json:"u100"`
	V100          *float64 `json:"v100"`
	U850          *float64 `json:"u850"`
	V850          *float64 `json:"v850"`
	T850          *float64 `json:"t850"`
	T700          *float64 `json:"t700"`
	Z850          *float64 `json:"z850"`
	Z700          *float64 `json:"z700"`
	CAPE          *float64 `json:"cape"`
	SoilWater100  *float64 `json:"swvl3"`
	CloudCover    *float64 `json:"tcc,omitempty"`
	Solar         *float64 `json:"ssrd,omitempty"`
	FWI           *float64 `json:"fwi,omitempty"`
	DroughtCode   *float64 `json:"dc,omitempty"`
}

// MarshalJSON encodes NaN values as null.
func (o WeatherObservation) MarshalJSON() ([]byte, error) {
	return json.Marshal(observationJSON{
		Time: o.Time, Location: o.Location, Source: o.Source, Dataset: o.Dataset,
		Temperature2m: Finite(o.Temperature2m),
		Dewpoint2m:    Finite(o.Dewpoint2m),
		Pressure:      Finite(o.Pressure),
		U10:           Finite(o.U10),
		V10:           Finite(o.V10),
		U100:          Finite(o.U100),
		V100:          Finite(o.V100),
		U850:          Finite(o.U850),
		V850:          Finite(o.V850),
		T850:          Finite(o.T850),
		T700:          Finite(o.T700),
		Z850:          Finite(o.Z850),
		Z700:          Finite(o.Z700),
		CAPE:          Finite(o.CAPE),
		SoilWater100:  Finite(o.SoilWater100),
		CloudCover:    finitePtr(o.CloudCover),
		Solar:         finitePtr(o.Solar),
		FWI:           finitePtr(o.FWI),
		DroughtCode:   finitePtr(o.DroughtCode),
	})
}

// UnmarshalJSON decodes null values as NaN.
func (o *WeatherObservation) UnmarshalJSON(data []byte) error {
	var w observationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*o = WeatherObservation{
		Time: w.Time, Location: w.Location, Source: w.Source, Dataset: w.Dataset,
		Temperature2m: orNaN(w.Temperature2m),
		Dewpoint2m:    orNaN(w.Dewpoint2m),
		Pressure:      orNaN(w.Pressure),
		U10:           orNaN(w.U10),
		V10:           orNaN(w.V10),
		U100:          orNaN(w.U100),
		V100:          orNaN(w.V100),
		U850:          orNaN(w.U850),
		V850:          orNaN(w.V850),
		T850:          orNaN(w.T850),
		T700:          orNaN(w.T700),
		Z850:          orNaN(w.Z850),
		Z700:          orNaN(w.Z700),
		CAPE:          orNaN(w.CAPE),
		SoilWater100:  orNaN(w.SoilWater100),
		CloudCover:    w.CloudCover,
		Solar:         w.Solar,
		FWI:           w.FWI,
		DroughtCode:   w.DroughtCode,
	}
	return nil
}

// Finite returns a pointer to v, or nil when v is NaN or infinite.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finitePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Finite(*p)
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

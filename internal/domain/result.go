package domain

import "time"

// UnitMetersPerMinute is the ROS unit reported in every result.
const UnitMetersPerMinute = "m/min"

// PredictionResult is the outcome of a single-point prediction.
type PredictionResult struct {
	RequestID     string        `json:"request_id"`
	ROS           float64       `json:"prediction"`
	Unit          string        `json:"unit"`
	ErrorEstimate float64       `json:"error_estimate"`
	LogValue      float64       `json:"log_prediction"`
	Model         ModelChoice   `json:"model_used"`
	APIUsed       Source        `json:"api_used,omitempty"`
	Features      FeatureVector `json:"features"`
	Location      Location      `json:"location"`
	FireStart     time.Time     `json:"fire_start"`
	DurationHours float64       `json:"duration_hours"`
	Cached        bool          `json:"cached"`
	PredictedAt   time.Time     `json:"predicted_at"`
}

// GridCell is one successful cell of a grid prediction.
type GridCell struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	ROS           float64 `json:"prediction"`
	ErrorEstimate float64 `json:"error_estimate"`
}

// GridResult summarises a prediction over the Portugal grid.
type GridResult struct {
	RequestID   string      `json:"request_id"`
	Model       ModelChoice `json:"model_used"`
	Cells       []GridCell  `json:"predictions"`
	TotalCells  int         `json:"total_cells"`
	Successful  int         `json:"successful_cells"`
	PredictedAt time.Time   `json:"predicted_at"`
}

// RasterVariable is a single value read from a static raster.
type RasterVariable struct {
	Variable string   `json:"raster"`
	Value    *float64 `json:"value"`
	Location Location `json:"location"`
	Path     string   `json:"path,omitempty"`
}

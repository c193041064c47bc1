package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/pipeline"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Accepted datetime layouts, most specific first. Times without a zone are UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTime(field, s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.ValidationError(field, "unrecognised datetime %q (want YYYY-MM-DD HH:MM)", s)
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return domain.ValidationError("body", "invalid JSON: %v", err)
	}
	return check(dst)
}

// check runs the validator and converts the first failure to a domain error.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.ValidationError(fe.Field(), "failed %q constraint%s", fe.Tag(), param(fe.Param()))
	}
	return domain.ValidationError("body", "%v", err)
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", p)
}

type locationDataRequest struct {
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lon      *float64 `json:"lon" validate:"required,longitude"`
	API      string   `json:"api"`
	Datetime string   `json:"datetime"`
}

type locationDataResponse struct {
	Success  bool    `json:"success"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Datetime string  `json:"datetime"`
	pipeline.LocationData
}

func (s *Server) handleLocationData(w http.ResponseWriter, r *http.Request) {
	var req locationDataRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	src, err := domain.ParseSource(req.API, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var t time.Time
	if req.Datetime != "" {
		if t, err = parseTime("datetime", req.Datetime); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	loc := domain.Location{Lat: *req.Lat, Lon: *req.Lon}
	data, err := s.svc.LocationData(r.Context(), loc, t, src)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, locationDataResponse{
		Success:      true,
		Lat:          loc.Lat,
		Lon:          loc.Lon,
		Datetime:     data.Time.Format("2006-01-02 15:04"),
		LocationData: data,
	})
}

// predictRequest carries caller-supplied features. The location is
// informational and only echoed back.
type predictRequest struct {
	Lat       *float64            `json:"lat" validate:"omitempty,latitude"`
	Lon       *float64            `json:"lon" validate:"omitempty,longitude"`
	Model     string              `json:"model"`
	Variables map[string]*float64 `json:"variables" validate:"required,min=1"`
}

// features rejects null values, which would otherwise decode as zero.
func (req predictRequest) features() (domain.FeatureVector, error) {
	names := make([]string, 0, len(req.Variables))
	for name := range req.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	fv := make(domain.FeatureVector, len(names))
	for _, name := range names {
		v := req.Variables[name]
		if v == nil {
			return nil, domain.ValidationError("variables."+name, "must be a number, not null")
		}
		fv[name] = *v
	}
	return fv, nil
}

type predictResponse struct {
	Success       bool               `json:"success"`
	Prediction    float64            `json:"prediction"`
	Unit          string             `json:"unit"`
	ErrorEstimate float64            `json:"error_estimate"`
	LogPrediction float64            `json:"log_prediction"`
	ModelUsed     domain.ModelChoice `json:"model_used"`
	Location      *domain.Location   `json:"location,omitempty"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	choice, err := domain.ParseModelChoice(req.Model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fv, err := req.features()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.svc.Predict(r.Context(), choice, fv)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := predictResponse{
		Success:       true,
		Prediction:    p.ROS,
		Unit:          domain.UnitMetersPerMinute,
		ErrorEstimate: p.ErrorEstimate,
		LogPrediction: p.LogValue,
		ModelUsed:     choice,
	}
	if req.Lat != nil && req.Lon != nil {
		resp.Location = &domain.Location{Lat: *req.Lat, Lon: *req.Lon}
	}
	sharedobs.WriteJSON(w, http.StatusOK, resp)
}

type predictLocationRequest struct {
	Lat               *float64 `json:"lat" validate:"required,latitude"`
	Lon               *float64 `json:"lon" validate:"required,longitude"`
	FireStart         string   `json:"fire_start" validate:"required"`
	DurationHours     float64  `json:"duration_hours" validate:"gt=0"`
	TimeSinceIgnition float64  `json:"time_since_ignition" validate:"gte=0"`
	Model             string   `json:"model"`
	API               string   `json:"api"`
}

type predictLocationResponse struct {
	Success bool `json:"success"`
	domain.PredictionResult
}

func (s *Server) handlePredictLocation(w http.ResponseWriter, r *http.Request) {
	var req predictLocationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pr, err := buildRequest(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.svc.PredictLocation(r.Context(), pr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, predictLocationResponse{Success: true, PredictionResult: result})
}

func buildRequest(req predictLocationRequest) (domain.PredictionRequest, error) {
	start, err := parseTime("fire_start", req.FireStart)
	if err != nil {
		return domain.PredictionRequest{}, err
	}
	choice, err := domain.ParseModelChoice(req.Model)
	if err != nil {
		return domain.PredictionRequest{}, err
	}
	src, err := domain.ParseSource(req.API, "")
	if err != nil {
		return domain.PredictionRequest{}, err
	}
	return domain.PredictionRequest{
		Location:             domain.Location{Lat: *req.Lat, Lon: *req.Lon},
		FireStart:            start,
		DurationHours:        req.DurationHours,
		MinutesSinceIgnition: req.TimeSinceIgnition,
		Model:                choice,
		Source:               src,
	}, nil
}

type predictGridRequest struct {
	Datetime          string  `json:"datetime" validate:"required"`
	DurationHours     float64 `json:"duration_hours" validate:"gt=0"`
	TimeSinceIgnition float64 `json:"time_since_ignition" validate:"gte=0"`
	Model             string  `json:"model"`
	API               string  `json:"api"`
}

type predictGridResponse struct {
	Success bool `json:"success"`
	domain.GridResult
}

func (s *Server) handlePredictGrid(w http.ResponseWriter, r *http.Request) {
	var req predictGridRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	gr, err := buildGridRequest(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.svc.Grid(r.Context(), gr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, predictGridResponse{Success: true, GridResult: result})
}

// buildGridRequest defaults the model to complex, the model the grid maps
// were produced with.
func buildGridRequest(req predictGridRequest) (pipeline.GridRequest, error) {
	start, err := parseTime("datetime", req.Datetime)
	if err != nil {
		return pipeline.GridRequest{}, err
	}
	choice := domain.ModelComplex
	if req.Model != "" {
		if choice, err = domain.ParseModelChoice(req.Model); err != nil {
			return pipeline.GridRequest{}, err
		}
	}
	src, err := domain.ParseSource(req.API, "")
	if err != nil {
		return pipeline.GridRequest{}, err
	}
	return pipeline.GridRequest{
		FireStart:            start,
		DurationHours:        req.DurationHours,
		MinutesSinceIgnition: req.TimeSinceIgnition,
		Model:                choice,
		Source:               src,
	}, nil
}

type rasterQuery struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lon *float64 `json:"lon" validate:"required,longitude"`
}

type rasterValueResponse struct {
	Success bool            `json:"success"`
	Raster  string          `json:"raster"`
	Value   *float64        `json:"value"`
	NoData  bool            `json:"no_data"`
	Loc     domain.Location `json:"location"`
}

func (s *Server) handleRasterValue(w http.ResponseWriter, r *http.Request) {
	q, err := parseRasterQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	variable := r.PathValue("variable")
	loc := domain.Location{Lat: *q.Lat, Lon: *q.Lon}

	rv, noData, err := s.svc.RasterValue(variable, loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, rasterValueResponse{
		Success: true,
		Raster:  variable,
		Value:   rv.Value,
		NoData:  noData,
		Loc:     loc,
	})
}

func parseRasterQuery(r *http.Request) (rasterQuery, error) {
	var q rasterQuery
	for _, p := range []struct {
		name string
		dst  **float64
	}{{"lat", &q.Lat}, {"lon", &q.Lon}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return q, domain.ValidationError(p.name, "not a number: %q", raw)
		}
		*p.dst = &v
	}
	return q, check(q)
}

type modelsResponse struct {
	Success bool         `json:"success"`
	Models  []model.Info `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, modelsResponse{Success: true, Models: s.svc.Models()})
}

type statusResponse struct {
	Success bool `json:"success"`
	pipeline.Status
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, statusResponse{Success: true, Status: s.svc.Status()})
}

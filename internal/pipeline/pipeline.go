// Package pipeline orchestrates a prediction request from validation through
// cache lookup, feature assembly and inference to the response.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/cache"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/features"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// resultSource is the cache namespace for complete prediction results.
const resultSource = "result"

// FeatureAssembler builds the feature vector a model needs.
type FeatureAssembler interface {
	Assemble(ctx context.Context, names []string, in features.Inputs) (domain.FeatureVector, domain.Source, error)
}

// Models runs inference for a model choice.
type Models interface {
	Len() int
	Features(choice domain.ModelChoice) ([]string, error)
	Predict(choice domain.ModelChoice, fv domain.FeatureVector) (model.Prediction, error)
	List() []model.Info
}

// WeatherSource returns the observation for one hour.
type WeatherSource interface {
	Fetch(ctx context.Context, loc domain.Location, t time.Time, preferred domain.Source) (domain.WeatherObservation, domain.Source, error)
}

// RasterSource reads static rasters.
type RasterSource interface {
	Names() []string
	Value(variable string, loc domain.Location) (domain.RasterVariable, error)
	FuelLoad(loc domain.Location, year int) (float64, int, error)
}

// ResultSink receives every freshly computed result.
type ResultSink interface {
	Publish(ctx context.Context, results ...domain.PredictionResult) error
}

// Deps are the collaborators an Orchestrator drives. Results and Sink may be
// nil.
type Deps struct {
	Models    Models
	Assembler FeatureAssembler
	Weather   WeatherSource
	Rasters   RasterSource
	Results   *cache.Store
	Sink      ResultSink
}

// Options tunes request handling.
type Options struct {
	RequestTimeout    time.Duration
	MaxDurationHours  float64
	DefaultSource     domain.Source
	GridResolution    float64
	GridConcurrency   int
	// ReanalysisEnabled reports whether reanalysis credentials are configured.
	ReanalysisEnabled bool
	Clock             clockwork.Clock
}

// Orchestrator runs prediction requests.
type Orchestrator struct {
	deps    Deps
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DefaultSource == "" {
		opts.DefaultSource = domain.SourceOpenMeteo
	}
	if opts.MaxDurationHours <= 0 {
		opts.MaxDurationHours = domain.DefaultMaxDurationHours
	}
	if opts.GridResolution <= 0 {
		opts.GridResolution = 0.1
	}
	if opts.GridConcurrency < 1 {
		opts.GridConcurrency = 1
	}
	return &Orchestrator{deps: deps, opts: opts, clock: opts.Clock, logger: logger, metrics: metrics}
}

// CheckReadiness returns nil once at least one model is loaded.
func (o *Orchestrator) CheckReadiness(_ context.Context) error {
	if o.deps.Models == nil || o.deps.Models.Len() == 0 {
		return errors.New("no prediction models loaded")
	}
	return nil
}

// PredictLocation runs the full pipeline for a single point.
func (o *Orchestrator) PredictLocation(ctx context.Context, req domain.PredictionRequest) (domain.PredictionResult, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	run := o.begin("predict-location")
	result, err := o.predictPoint(ctx, run, req)
	if err != nil {
		return domain.PredictionResult{}, run.fail(ctx, err)
	}
	if !result.Cached {
		o.publish(ctx, result)
	}
	run.respond("cached", result.Cached, "ros", result.ROS)
	return result, nil
}

// predictPoint is the shared single-point path, also used per grid cell.
func (o *Orchestrator) predictPoint(ctx context.Context, run *requestRun, req domain.PredictionRequest) (domain.PredictionResult, error) {
	if req.Source == "" {
		req.Source = o.opts.DefaultSource
	}
	if err := req.Validate(o.clock.Now(), o.opts.MaxDurationHours); err != nil {
		return domain.PredictionResult{}, err
	}
	run.advance(StateValidated)

	key := cache.NewKey(resultSource, req.Location, req.FireStart, req.Signature())
	if cached, ok := o.cachedResult(key); ok {
		run.advance(StateCacheChecked, "hit", true)
		cached.RequestID = run.id
		cached.Location = req.Location
		cached.Cached = true
		return cached, nil
	}
	run.advance(StateCacheChecked, "hit", false)

	names, err := o.deps.Models.Features(req.Model)
	if err != nil {
		return domain.PredictionResult{}, err
	}
	fv, source, err := o.deps.Assembler.Assemble(ctx, names, features.InputsFrom(req))
	if err != nil {
		return domain.PredictionResult{}, err
	}
	run.advance(StateDataAssembled, "source", source)

	p, err := o.deps.Models.Predict(req.Model, fv)
	if err != nil {
		return domain.PredictionResult{}, err
	}
	run.advance(StatePredicted)

	result := domain.PredictionResult{
		RequestID:     run.id,
		ROS:           p.ROS,
		Unit:          domain.UnitMetersPerMinute,
		ErrorEstimate: p.ErrorEstimate,
		LogValue:      p.LogValue,
		Model:         req.Model,
		APIUsed:       source,
		Features:      fv,
		Location:      req.Location,
		FireStart:     req.FireStart.UTC(),
		DurationHours: req.DurationHours,
		PredictedAt:   o.clock.Now().UTC(),
	}
	o.storeResult(key, result)
	return result, nil
}

// Predict runs a model on caller-supplied features.
func (o *Orchestrator) Predict(ctx context.Context, choice domain.ModelChoice, fv domain.FeatureVector) (model.Prediction, error) {
	run := o.begin("predict")
	choice, err := domain.ParseModelChoice(string(choice))
	if err != nil {
		return model.Prediction{}, run.fail(ctx, err)
	}
	run.advance(StateValidated)
	p, err := o.deps.Models.Predict(choice, fv)
	if err != nil {
		return model.Prediction{}, run.fail(ctx, err)
	}
	run.advance(StatePredicted)
	run.respond("ros", p.ROS)
	return p, nil
}

// Models lists the loaded models.
func (o *Orchestrator) Models() []model.Info {
	return o.deps.Models.List()
}

func (o *Orchestrator) cachedResult(key cache.Key) (domain.PredictionResult, bool) {
	if o.deps.Results == nil {
		return domain.PredictionResult{}, false
	}
	var r domain.PredictionResult
	ok, err := o.deps.Results.GetJSON(key, &r)
	if err != nil {
		o.logger.Warn("result cache read failed", "key", key.Name(), "error", err)
		return domain.PredictionResult{}, false
	}
	return r, ok
}

// storeResult caches a computed result. Cache write failures are logged and
// counted by the store; they never fail the request.
func (o *Orchestrator) storeResult(key cache.Key, r domain.PredictionResult) {
	if o.deps.Results == nil {
		return
	}
	if err := o.deps.Results.PutJSON(key, r); err != nil {
		o.logger.Warn("result cache write failed", "key", key.Name(), "error", err)
	}
}

// publish hands fresh results to the sink. Export failures are not request
// failures.
func (o *Orchestrator) publish(ctx context.Context, results ...domain.PredictionResult) {
	if o.deps.Sink == nil || len(results) == 0 {
		return
	}
	if err := o.deps.Sink.Publish(ctx, results...); err != nil {
		o.metrics.ResultsExported.WithLabelValues("error").Add(float64(len(results)))
		o.logger.Warn("result export failed", "count", len(results), "error", err)
		return
	}
	o.metrics.ResultsExported.WithLabelValues("success").Add(float64(len(results)))
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.RequestTimeout)
}

func (o *Orchestrator) begin(op string) *requestRun {
	id := uuid.NewString()
	return &requestRun{
		id:      id,
		state:   StateReceived,
		start:   o.clock.Now(),
		logger:  o.logger.With("request_id", id, "op", op),
		metrics: o.metrics,
		clock:   o.clock,
	}
}

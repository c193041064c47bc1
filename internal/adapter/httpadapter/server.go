// Package httpadapter serves the prediction API and the operational
// endpoints over HTTP.
package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/model"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/couchcryptid/wildfire-ros-service/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is the prediction pipeline as seen by the HTTP layer.
type Service interface {
	sharedobs.ReadinessChecker
	PredictLocation(ctx context.Context, req domain.PredictionRequest) (domain.PredictionResult, error)
	Predict(ctx context.Context, choice domain.ModelChoice, fv domain.FeatureVector) (model.Prediction, error)
	Grid(ctx context.Context, req pipeline.GridRequest) (domain.GridResult, error)
	LocationData(ctx context.Context, loc domain.Location, t time.Time, preferred domain.Source) (pipeline.LocationData, error)
	RasterValue(variable string, loc domain.Location) (domain.RasterVariable, bool, error)
	Models() []model.Info
	Status() pipeline.Status
}

// maxBodyBytes bounds request bodies; the largest legitimate body is a
// feature map.
const maxBodyBytes = 1 << 20

// Server exposes the API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	svc        Service
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewServer creates an HTTP server. writeTimeout must cover the slowest
// request, a full grid prediction.
func NewServer(addr string, writeTimeout time.Duration, svc Service, logger *slog.Logger, metrics *observability.Metrics) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		svc:     svc,
		logger:  logger,
		metrics: metrics,
	}

	mux.HandleFunc("POST /api/location-data", s.instrument("location-data", s.handleLocationData))
	mux.HandleFunc("POST /api/predict", s.instrument("predict", s.handlePredict))
	mux.HandleFunc("POST /api/predict-location", s.instrument("predict-location", s.handlePredictLocation))
	mux.HandleFunc("POST /api/predict-grid", s.instrument("predict-grid", s.handlePredictGrid))
	mux.HandleFunc("GET /api/raster/{variable}/value", s.instrument("raster-value", s.handleRasterValue))
	mux.HandleFunc("GET /api/models", s.instrument("models", s.handleModels))
	mux.HandleFunc("GET /api/status", s.instrument("status", s.handleStatus))

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(svc))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per endpoint.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		h(rec, r)
		s.metrics.Requests.WithLabelValues(endpoint, strconv.Itoa(rec.code)).Inc()
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

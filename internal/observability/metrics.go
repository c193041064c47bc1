package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wildfire_ros"

// Metrics holds the Prometheus counters, histograms, and gauges for the service.
type Metrics struct {
	Requests        *prometheus.CounterVec   // labels: endpoint, code
	RequestStates   *prometheus.CounterVec   // labels: state={responded,errored}, kind
	RequestDuration *prometheus.HistogramVec // labels: endpoint

	// Cache metrics.
	CacheLookups     *prometheus.CounterVec // labels: source, result={hit,miss,expired}
	CacheWriteErrors prometheus.Counter

	// Upstream weather provider metrics.
	UpstreamRequests  *prometheus.CounterVec   // labels: provider, outcome={success,error,unavailable}
	UpstreamDuration  *prometheus.HistogramVec // labels: provider
	ProviderFallbacks *prometheus.CounterVec   // labels: from, to

	// Inference metrics.
	PredictionDuration *prometheus.HistogramVec // labels: model
	ModelsLoaded       prometheus.Gauge
	ResultsExported    *prometheus.CounterVec // labels: outcome={success,error}
	GridCells          *prometheus.CounterVec // labels: outcome={success,skipped}
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Requests,
		m.RequestStates,
		m.RequestDuration,
		m.CacheLookups,
		m.CacheWriteErrors,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.ProviderFallbacks,
		m.PredictionDuration,
		m.ModelsLoaded,
		m.ResultsExported,
		m.GridCells,
	)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by endpoint and response code.",
		}, []string{"endpoint", "code"}),
		RequestStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_requests_total",
			Help:      "Prediction requests by terminal state and error kind.",
		}, []string{"state", "kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by source and result.",
		}, []string{"source", "result"}),
		CacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_errors_total",
			Help:      "Cache writes that failed and were skipped.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Weather provider requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Weather provider request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		}, []string{"provider"}),
		ProviderFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Weather fetches served by a provider other than the first choice.",
		}, []string{"from", "to"}),
		PredictionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Model inference duration in seconds.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}, []string{"model"}),
		ModelsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_loaded",
			Help:      "Number of model artifacts loaded at startup.",
		}),
		ResultsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_exported_total",
			Help:      "Prediction results published to the result topic.",
		}, []string{"outcome"}),
		GridCells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grid_cells_total",
			Help:      "Grid prediction cells by outcome.",
		}, []string{"outcome"}),
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the pipeline
type Collector struct {
	StudiesIngested        *prometheus.CounterVec
	TrainingRecordsCreated *prometheus.CounterVec
	TrainingJobs           *prometheus.CounterVec
	TrainingDuration       *prometheus.HistogramVec
	ModelsDeployed         *prometheus.GaugeVec
	Predictions            *prometheus.CounterVec
	PredictionLatency      prometheus.Histogram
	FilterRefreshes        *prometheus.CounterVec
	FilterCacheHits        *prometheus.CounterVec
	HTTPRequests           *prometheus.CounterVec
	HTTPDuration           *prometheus.HistogramVec
	RateLimited            *prometheus.CounterVec
}

// NewCollector creates and registers all metrics against the given registerer
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		StudiesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_studies_ingested_total",
			Help: "Studies processed by validation outcome and rejection code",
		}, []string{"status", "rejection_code"}),
		TrainingRecordsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_training_records_created_total",
			Help: "Training records created per model type",
		}, []string{"model_type"}),
		TrainingJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_training_jobs_total",
			Help: "Training jobs by model type and final status",
		}, []string{"model_type", "status"}),
		TrainingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biodiversity_training_duration_seconds",
			Help:    "Wall time of training runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"model_type"}),
		ModelsDeployed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "biodiversity_model_deployed_version",
			Help: "Currently deployed model version per model type",
		}, []string{"model_type"}),
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_predictions_total",
			Help: "Predictions served per model type and outcome",
		}, []string{"model_type", "outcome"}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "biodiversity_prediction_latency_seconds",
			Help:    "Latency of single point predictions",
			Buckets: prometheus.DefBuckets,
		}),
		FilterRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_filter_refreshes_total",
			Help: "Filter data refreshes by filter type and outcome",
		}, []string{"filter_type", "outcome"}),
		FilterCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_filter_cache_total",
			Help: "Filter cache lookups by result (hit, miss, stale)",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_http_requests_total",
			Help: "HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biodiversity_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biodiversity_rate_limited_total",
			Help: "Requests rejected by the rate limiter per endpoint class",
		}, []string{"class"}),
	}
}

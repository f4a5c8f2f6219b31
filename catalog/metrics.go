package catalog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for catalog traffic.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	RateLimitWait   prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers the catalog collectors on registry.
func NewMetricsWith(registry *prometheus.Registry) *Metrics {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_requests_total",
			Help: "Total catalog API requests by phase.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_request_duration_seconds",
			Help:    "Catalog API request latency.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_errors_total",
			Help: "Total number of failed catalog attempts by type.",
		},
		[]string{"error_type"},
	)
	rateLimitWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate limiter tokens.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, rateLimitWait)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		RateLimitWait:   rateLimitWait,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records a request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveRateLimitWait records time blocked on the token bucket.
func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}

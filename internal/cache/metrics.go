package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricCacheRequestsTotal = "hash_lookup_cache_requests_total"
	MetricCacheErrorsTotal   = "hash_lookup_cache_errors_total"
)

// Result label values for the requests counter.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Metrics contains Prometheus metrics for cache operations.
type Metrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheRequestsTotal,
				Help: "Total number of lookup cache reads by result (hit or miss)",
			},
			[]string{"result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheErrorsTotal,
				Help: "Total number of cache backend errors by operation",
			},
			[]string{"operation"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.requests, m.errors} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncHit increments the hit counter.
func (m *Metrics) IncHit() { m.requests.WithLabelValues(ResultHit).Inc() }

// IncMiss increments the miss counter.
func (m *Metrics) IncMiss() { m.requests.WithLabelValues(ResultMiss).Inc() }

// IncError increments the backend error counter for an operation
// ("get", "put", or "invalidate").
func (m *Metrics) IncError(operation string) {
	m.errors.WithLabelValues(operation).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.errors}
}

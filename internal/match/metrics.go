package match

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricMatchesDetectedTotal      = "hash_matches_detected_total"
	MetricDuplicatesSuppressedTotal = "hash_match_duplicates_suppressed_total"
	MetricWorkItemsEnqueuedTotal    = "notification_work_items_enqueued_total"
	MetricBelowThresholdTotal       = "similarity_below_threshold_total"
)

// Metrics contains Prometheus metrics for the Matching Engine.
type Metrics struct {
	detected       *prometheus.CounterVec
	suppressed     prometheus.Counter
	enqueued       *prometheus.CounterVec
	belowThreshold prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them.
func NewMetrics() *Metrics {
	return &Metrics{
		detected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMatchesDetectedTotal,
				Help: "Total number of cross-system matches recorded by match type",
			},
			[]string{"match_type"},
		),
		suppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricDuplicatesSuppressedTotal,
				Help: "Total number of matches skipped because the pair was already recorded",
			},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWorkItemsEnqueuedTotal,
				Help: "Total number of notification work items enqueued by target system",
			},
			[]string{"target_system"},
		),
		belowThreshold: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricBelowThresholdTotal,
				Help: "Total number of similarity candidates discarded below the confidence floor",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{m.detected, m.suppressed, m.enqueued, m.belowThreshold}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncDetected increments the detected counter for a match type.
func (m *Metrics) IncDetected(matchType Type) {
	m.detected.WithLabelValues(string(matchType)).Inc()
}

// IncSuppressed increments the duplicate-suppression counter.
func (m *Metrics) IncSuppressed() { m.suppressed.Inc() }

// IncEnqueued increments the enqueued counter for a target system.
func (m *Metrics) IncEnqueued(target string) {
	m.enqueued.WithLabelValues(target).Inc()
}

// IncBelowThreshold increments the below-threshold counter.
func (m *Metrics) IncBelowThreshold() { m.belowThreshold.Inc() }

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.detected, m.suppressed, m.enqueued, m.belowThreshold}
}

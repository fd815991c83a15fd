package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricDeliveriesTotal         = "webhook_deliveries_total"
	MetricDeliveryDurationSeconds = "webhook_delivery_duration_seconds"
	MetricQueueClaimedTotal       = "notification_queue_claimed_total"
)

// Outcome label values for the deliveries counter.
const (
	OutcomeSent     = "sent"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeNoTarget = "no_subscription"
)

// Metrics contains Prometheus metrics for the notification dispatcher.
// All operations are thread-safe.
type Metrics struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	claimed    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them.
func NewMetrics() *Metrics {
	return &Metrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDeliveriesTotal,
				Help: "Total number of webhook delivery attempts by target system and outcome",
			},
			[]string{"target_system", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricDeliveryDurationSeconds,
				Help:    "Histogram of webhook delivery attempt duration in seconds by target system",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"target_system"},
		),
		claimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricQueueClaimedTotal,
				Help: "Total number of work items claimed from the notification queue",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.deliveries, m.duration, m.claimed} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncDelivery increments the delivery counter for a target and outcome.
func (m *Metrics) IncDelivery(target, outcome string) {
	m.deliveries.WithLabelValues(target, outcome).Inc()
}

// ObserveDuration records one delivery attempt's duration.
func (m *Metrics) ObserveDuration(target string, seconds float64) {
	m.duration.WithLabelValues(target).Observe(seconds)
}

// AddClaimed adds to the claimed-items counter.
func (m *Metrics) AddClaimed(n int) {
	m.claimed.Add(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.deliveries, m.duration, m.claimed}
}

package audit

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricAuditFailuresTotal counts audit appends that could not be stored.
const MetricAuditFailuresTotal = "audit_append_failures_total"

// Logger records audit entries without ever failing the operation it
// accompanies: a repository failure is logged and counted, not returned.
// This is the opposite trade-off from fail-closed compliance logging; the
// primary workflow (registration, delivery) must not roll back because the
// trail hiccupped.
type Logger struct {
	repo     Repository
	logger   *slog.Logger
	failures prometheus.Counter
}

// NewLogger creates an audit logger over the given repository.
func NewLogger(repo Repository, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		repo:   repo,
		logger: logger,
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAuditFailuresTotal,
			Help: "Total number of audit entries that failed to persist",
		}),
	}
}

// Register registers the failure counter with the given registry.
func (l *Logger) Register(reg prometheus.Registerer) error {
	return reg.Register(l.failures)
}

// Record appends an audit entry. It never returns an error; failures are
// logged and counted so operators can see a degraded trail.
func (l *Logger) Record(ctx context.Context, action Action, actingSystem, resourceID string, details map[string]any) {
	if l == nil || l.repo == nil {
		return
	}
	if _, err := l.repo.Append(ctx, action, actingSystem, resourceID, details); err != nil {
		l.failures.Inc()
		l.logger.Error("audit append failed",
			slog.String("action", string(action)),
			slog.String("acting_system", actingSystem),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()))
	}
}

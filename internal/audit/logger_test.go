package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// failingRepository always fails Append.
type failingRepository struct{}

func (f *failingRepository) Append(ctx context.Context, action Action, actingSystem, resourceID string, details map[string]any) (*Entry, error) {
	return nil, errors.New("storage down")
}

func (f *failingRepository) ListBySystem(ctx context.Context, actingSystem string, limit int) ([]*Entry, error) {
	return nil, nil
}

func (f *failingRepository) ListByAction(ctx context.Context, action Action, limit int) ([]*Entry, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordStoresEntry(t *testing.T) {
	repo := NewInMemoryRepository()
	auditor := NewLogger(repo, discardLogger())

	auditor.Record(context.Background(), ActionRegister, "trace", "hash-1", map[string]any{"amended": false})

	got, err := repo.ListBySystem(context.Background(), "trace", 0)
	if err != nil {
		t.Fatalf("ListBySystem() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Action != ActionRegister {
		t.Errorf("got action %q, want %q", got[0].Action, ActionRegister)
	}
}

func TestRecordNeverFails(t *testing.T) {
	auditor := NewLogger(&failingRepository{}, discardLogger())
	reg := prometheus.NewRegistry()
	if err := auditor.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Must not panic or propagate the repository error.
	auditor.Record(context.Background(), ActionNotifySent, "grapnel", "item-1", nil)
	auditor.Record(context.Background(), ActionNotifyFailed, "grapnel", "item-2", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var failures *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == MetricAuditFailuresTotal {
			failures = mf
		}
	}
	if failures == nil {
		t.Fatalf("metric %s not registered", MetricAuditFailuresTotal)
	}
	if got := failures.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("failure counter = %v, want 2", got)
	}
}

func TestRecordNilReceiverSafe(t *testing.T) {
	var auditor *Logger
	// A nil auditor is a no-op so callers never need to guard.
	auditor.Record(context.Background(), ActionLookup, "trace", "", nil)
}

func TestRecordInvalidActionCounted(t *testing.T) {
	auditor := NewLogger(NewInMemoryRepository(), discardLogger())
	reg := prometheus.NewRegistry()
	if err := auditor.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	auditor.Record(context.Background(), Action("bogus"), "trace", "", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == MetricAuditFailuresTotal {
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("failure counter = %v, want 1", got)
			}
			return
		}
	}
	t.Fatalf("metric %s not registered", MetricAuditFailuresTotal)
}

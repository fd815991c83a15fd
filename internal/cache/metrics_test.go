package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var m dto.Metric
	if err := metric.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Errorf("Register() returned error: %v", err)
		}

		m.IncHit()
		m.IncMiss()
		m.IncError("get")

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}

		expected := map[string]bool{
			MetricCacheRequestsTotal: false,
			MetricCacheErrorsTotal:   false,
		}
		for _, family := range families {
			if _, ok := expected[family.GetName()]; ok {
				expected[family.GetName()] = true
			}
		}
		for name, found := range expected {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		m1 := NewMetrics()
		m2 := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m1.Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := m2.Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.IncHit()
	m.IncHit()
	m.IncMiss()
	m.IncError("put")

	if got := counterValue(t, m.requests, ResultHit); got != 2 {
		t.Errorf("hit counter = %v, want 2", got)
	}
	if got := counterValue(t, m.requests, ResultMiss); got != 1 {
		t.Errorf("miss counter = %v, want 1", got)
	}
	if got := counterValue(t, m.errors, "put"); got != 1 {
		t.Errorf("error counter = %v, want 1", got)
	}
}

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("anthropic_messages", "200").Inc()
	m.AttemptsTotal.WithLabelValues("up-1", "http_5xx").Add(2)
	m.CircuitState.WithLabelValues("up-1").Set(2)
	m.BillingEventsDropped.Inc()

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("anthropic_messages", "200")); got != 1 {
		t.Errorf("requests_total = %v", got)
	}
	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("up-1", "http_5xx")); got != 2 {
		t.Errorf("attempts_total = %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitState.WithLabelValues("up-1")); got != 2 {
		t.Errorf("circuit_state = %v", got)
	}
	if got := testutil.ToFloat64(m.BillingEventsDropped); got != 1 {
		t.Errorf("billing_events_dropped = %v", got)
	}
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("second registration should panic")
		}
	}()
	NewMetrics(reg)
}

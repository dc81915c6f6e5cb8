package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RefreshAttempts.WithLabelValues(ResultSuccess).Inc()
	if got := testutil.ToFloat64(m.RefreshAttempts.WithLabelValues(ResultSuccess)); got != 1 {
		t.Fatalf("unexpected counter value %v", got)
	}
	n, err := testutil.GatherAndCount(reg, "notary_token_refresh_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one series, got %d", n)
	}
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first NewMetrics failed: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

package authkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetricsCountsEvents(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	recorder.Increment(metricLoginSuccess)
	recorder.Increment(metricLoginSuccess)
	recorder.Increment(metricRefreshContended)

	if got := testutil.ToFloat64(recorder.events.WithLabelValues(metricLoginSuccess)); got != 2 {
		t.Fatalf("expected 2 login successes, got %v", got)
	}
	if _, err := NewPrometheusMetrics(registry); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCounterMetricsSnapshot(t *testing.T) {
	t.Parallel()

	recorder := NewCounterMetrics()
	recorder.Increment(metricLogout)
	snapshot := recorder.Snapshot()
	recorder.Increment(metricLogout)
	if snapshot[metricLogout] != 1 || recorder.Count(metricLogout) != 2 {
		t.Fatalf("snapshot must be a copy, got %v and %d", snapshot, recorder.Count(metricLogout))
	}
}

package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricLoginStarted     = "auth.login.started"
	metricLoginSuccess     = "auth.login.success"
	metricLoginFailure     = "auth.login.failure"
	metricLogout           = "auth.logout"
	metricRefreshSuccess   = "auth.refresh.success"
	metricRefreshFailure   = "auth.refresh.failure"
	metricRefreshContended = "auth.refresh.contended"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports auth events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth event counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "console_gateway",
		Name:      "auth_events_total",
		Help:      "Count of session authentication events by type.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

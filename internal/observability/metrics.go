// File: internal/observability/metrics.go
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "scalpel_driver"

// Metrics holds the collectors shared by transports and the wait engine.
type Metrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Waits           *prometheus.CounterVec
	WaitDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registry leaves them unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Transport commands executed, by command and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Latency of transport commands.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"command"}),
		Waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "waits_total",
			Help:      "Explicit waits, by outcome.",
		}, []string{"outcome"}),
		WaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent in explicit waits.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Commands, m.CommandDuration, m.Waits, m.WaitDuration)
	}
	return m
}

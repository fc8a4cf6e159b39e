package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusBridge publishes telemetry metrics to a Prometheus registerer.
// Register it as a generic metric listener:
//
//	bridge := apiclient.NewPrometheusBridge(prometheus.DefaultRegisterer)
//	tel.OnMetric(bridge.Observe)
type PrometheusBridge struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusBridge creates a bridge registered against reg. Using an
// explicit registerer keeps the metric lifecycle tied to the caller rather
// than to process globals.
func NewPrometheusBridge(reg prometheus.Registerer) *PrometheusBridge {
	factory := promauto.With(reg)
	return &PrometheusBridge{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_operations_total",
				Help: "Total number of completed API calls",
			},
			[]string{"metric", "method", "status"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apiclient_failures_total",
				Help: "Total number of failed API calls by error kind",
			},
			[]string{"metric", "method", "kind"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apiclient_operation_duration_seconds",
				Help:    "API call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"metric", "method"},
		),
	}
}

// Observe publishes one recorded metric.
func (b *PrometheusBridge) Observe(m Metric) {
	method := m.Metadata["method"]
	status := m.Metadata["status"]
	outcome := m.Metadata["outcome"]

	b.operations.WithLabelValues(m.Name, method, status).Inc()
	if outcome != "" && outcome != "success" {
		b.failures.WithLabelValues(m.Name, method, outcome).Inc()
	}
	b.latency.WithLabelValues(m.Name, method).Observe(m.Duration.Seconds())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DocstoreMetrics holds metrics for document store calls.
type DocstoreMetrics struct {
	// LatencyHistogram labels: operation, collection, status.
	LatencyHistogram *prometheus.HistogramVec

	RequestsTotal *prometheus.CounterVec
}

// NewDocstoreMetrics creates document store metrics on the default registry.
func NewDocstoreMetrics() *DocstoreMetrics {
	return NewDocstoreMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewDocstoreMetricsWithRegistry creates document store metrics on reg.
func NewDocstoreMetricsWithRegistry(reg prometheus.Registerer) *DocstoreMetrics {
	f := promauto.With(reg)
	return &DocstoreMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "docstore",
				Name:      "operation_latency_seconds",
				Help:      "Document store call latency in seconds, broken down by operation, collection and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "collection", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "docstore",
				Name:      "operations_total",
				Help:      "Total number of document store calls, broken down by operation, collection and status.",
			},
			[]string{"operation", "collection", "status"},
		),
	}
}

// RecordOperation implements docstore.MetricsRecorder.
func (m *DocstoreMetrics) RecordOperation(operation, collection string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(operation, collection, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, collection, status).Inc()
}

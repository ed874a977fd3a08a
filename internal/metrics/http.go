package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds admin API request metrics.
type HTTPMetrics struct {
	// RequestDuration labels: method, route, code.
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates HTTP metrics on the default registry.
func NewHTTPMetrics() *HTTPMetrics {
	return NewHTTPMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewHTTPMetricsWithRegistry creates HTTP metrics on reg.
func NewHTTPMetricsWithRegistry(reg prometheus.Registerer) *HTTPMetrics {
	return &HTTPMetrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin API request duration in seconds, broken down by method, route pattern and status code.",
				Buckets:   DefaultEngineLatencyBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}
}

// ObserveRequest records one request. route should be the router pattern,
// not the raw path, to keep label cardinality bounded.
func (m *HTTPMetrics) ObserveRequest(method, route string, code int, durationSeconds float64) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(durationSeconds)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics holds reconciliation engine metrics.
type EngineMetrics struct {
	// ScanDuration labels: collection, strategy, mode (preview, apply).
	ScanDuration *prometheus.HistogramVec

	// OrphansTotal counts orphans found (preview) or removed (apply).
	// Labels: collection, mode.
	OrphansTotal *prometheus.CounterVec

	CascadeDuration prometheus.Histogram
	CascadeRemoved  prometheus.Counter
	CascadeFailures prometheus.Counter

	SweepStepDuration prometheus.Histogram

	// SweepMembersTotal labels: outcome (processed, refreshed, failed).
	SweepMembersTotal *prometheus.CounterVec

	// SweepHasMore is 1 while the last step left members unvisited.
	SweepHasMore prometheus.Gauge

	// FallbacksTotal labels: reason (unavailable, probe_error, join_error).
	FallbacksTotal *prometheus.CounterVec

	// MemberSetSize is the size of the last member id set loaded by a full scan.
	MemberSetSize prometheus.Gauge
}

// Scan mode label values.
const (
	ModePreview = "preview"
	ModeApply   = "apply"
)

// DefaultEngineLatencyBuckets cover single-document cascades up to
// full-collection scans.
var DefaultEngineLatencyBuckets = []float64{
	0.005, // 5ms
	0.025, // 25ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
	30.0,  // 30s
	60.0,  // 1m
	300.0, // 5m
}

// NewEngineMetrics creates engine metrics on the default registry.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegistry creates engine metrics on reg.
func NewEngineMetricsWithRegistry(reg prometheus.Registerer) *EngineMetrics {
	f := promauto.With(reg)
	return &EngineMetrics{
		ScanDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "scan",
				Name:      "duration_seconds",
				Help:      "Orphan scan duration in seconds, broken down by collection, strategy and mode.",
				Buckets:   DefaultEngineLatencyBuckets,
			},
			[]string{"collection", "strategy", "mode"},
		),
		OrphansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scan",
				Name:      "orphans_total",
				Help:      "Orphans found (preview) or removed (apply), broken down by collection and mode.",
			},
			[]string{"collection", "mode"},
		),
		CascadeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "cascade",
			Name:      "duration_seconds",
			Help:      "Cascading member deletion duration in seconds.",
			Buckets:   DefaultEngineLatencyBuckets,
		}),
		CascadeRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cascade",
			Name:      "removed_total",
			Help:      "Records removed or pruned by cascading deletes.",
		}),
		CascadeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cascade",
			Name:      "failures_total",
			Help:      "Per-record failures recorded by cascading deletes.",
		}),
		SweepStepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "step_duration_seconds",
			Help:      "Duration of one resumable sweep step in seconds.",
			Buckets:   DefaultEngineLatencyBuckets,
		}),
		SweepMembersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sweep",
				Name:      "members_total",
				Help:      "Members visited by sweeps, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		SweepHasMore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "has_more",
			Help:      "1 when the last sweep step left members unvisited, else 0.",
		}),
		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "scan",
				Name:      "fallbacks_total",
				Help:      "Switches from the join strategy to the full-scan strategy, broken down by reason.",
			},
			[]string{"reason"},
		),
		MemberSetSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scan",
			Name:      "member_set_size",
			Help:      "Number of member ids held by the last full scan.",
		}),
	}
}

// RecordScan records one orphan scan.
func (m *EngineMetrics) RecordScan(collection, strategy string, preview bool, count int, durationSeconds float64) {
	mode := ModeApply
	if preview {
		mode = ModePreview
	}
	m.ScanDuration.WithLabelValues(collection, strategy, mode).Observe(durationSeconds)
	m.OrphansTotal.WithLabelValues(collection, mode).Add(float64(count))
}

// RecordCascade records one cascading deletion.
func (m *EngineMetrics) RecordCascade(removed, failures int, durationSeconds float64) {
	m.CascadeDuration.Observe(durationSeconds)
	m.CascadeRemoved.Add(float64(removed))
	m.CascadeFailures.Add(float64(failures))
}

// RecordSweep records one sweep step.
func (m *EngineMetrics) RecordSweep(processed, refreshed, failed int, hasMore bool, durationSeconds float64) {
	m.SweepStepDuration.Observe(durationSeconds)
	m.SweepMembersTotal.WithLabelValues("processed").Add(float64(processed))
	m.SweepMembersTotal.WithLabelValues("refreshed").Add(float64(refreshed))
	m.SweepMembersTotal.WithLabelValues("failed").Add(float64(failed))
	if hasMore {
		m.SweepHasMore.Set(1)
	} else {
		m.SweepHasMore.Set(0)
	}
}

// RecordFallback counts a strategy fallback.
func (m *EngineMetrics) RecordFallback(reason string) {
	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

// SetMemberSetSize records the size of a loaded member id set.
func (m *EngineMetrics) SetMemberSetSize(n int) {
	m.MemberSetSize.Set(float64(n))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sornon/member-sub002/internal/metadata"
)

var _ metadata.MetricsRecorder = (*MetadataMetrics)(nil)

func gatheredNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetadataMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)
	m.RecordOperation(OpGet, 0.001, true)

	names := gatheredNames(t, reg)
	for _, want := range []string{
		"reconcile_metadata_operation_latency_seconds",
		"reconcile_metadata_operations_total",
	} {
		if !names[want] {
			t.Errorf("expected metric %s to be registered", want)
		}
	}
}

func TestMetadataMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)

	m.RecordOperation(OpGet, 0.001, true)
	m.RecordOperation(OpGet, 0.002, true)
	m.RecordOperation(OpPut, 0.003, false)
	m.RecordOperation(OpList, 0.004, true)

	checks := []struct {
		op, status string
		want       float64
	}{
		{OpGet, StatusSuccess, 2},
		{OpPut, StatusFailure, 1},
		{OpPut, StatusSuccess, 0},
		{OpList, StatusSuccess, 1},
	}
	for _, c := range checks {
		count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(c.op, c.status))
		if count != c.want {
			t.Errorf("expected %s/%s count %v, got %v", c.op, c.status, c.want, count)
		}
	}
}

func TestMetadataMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetadataMetricsWithRegistry(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetadataMetricsWithRegistry(reg)
}

func TestDefaultLatencyBucketsSorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"metadata":    DefaultMetadataLatencyBuckets,
		"objectstore": DefaultObjectStoreLatencyBuckets,
		"engine":      DefaultEngineLatencyBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d: %v", name, i, buckets)
			}
		}
	}
	if DefaultMetadataLatencyBuckets[0] > 0.001 {
		t.Error("smallest metadata bucket should be <= 1ms")
	}
}

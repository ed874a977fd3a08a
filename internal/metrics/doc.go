// Package metrics provides Prometheus metrics for the reconciliation service.
//
// Each recorder type implements the narrow recorder interface of the package
// it observes, so those packages never import Prometheus:
//
//	engineMetrics := metrics.NewEngineMetrics()      // reconcile.MetricsRecorder
//	docMetrics := metrics.NewDocstoreMetrics()       // docstore.MetricsRecorder
//	metaMetrics := metrics.NewMetadataMetrics()      // metadata.MetricsRecorder
//	objMetrics := metrics.NewObjectStoreMetrics()    // objectstore.MetricsRecorder
//
//	store := docstore.NewInstrumentedStore(mongoStore, docMetrics)
//	engine := reconcile.New(store, reg, reconcile.WithMetrics(engineMetrics))
//
// The New* constructors register with the default registry. The
// New*WithRegistry variants take a custom registerer for tests.
//
// Metrics are exposed on /metrics, either by [Server] on a dedicated port or
// by mounting [Handler] on the admin router.
package metrics

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Namespace prefixes every metric name.
const Namespace = "reconcile"

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

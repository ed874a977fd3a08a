// Package reconcile keeps dependent collections consistent with the live
// member set.
//
// The Engine exposes three operations: ScanOrphans finds (and optionally
// removes) records whose member references resolve to nobody,
// CascadeDelete removes one member and everything that references it, and
// SweepRefresh walks every member in short, resumable, time-boxed steps.
//
// Failures never abort a whole operation. They are collected into the
// returned Summary so an operator can re-run against what failed; every
// delete and prune is idempotent, so re-running is always safe.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/notify"
	"github.com/sornon/member-sub002/internal/registry"
)

// ErrEmptyMemberID is returned by CascadeDelete for an empty id.
var ErrEmptyMemberID = errors.New("reconcile: member id is required")

// MetricsRecorder receives engine measurements. It keeps this package
// decoupled from the metrics package.
type MetricsRecorder interface {
	RecordScan(collection, strategy string, preview bool, count int, durationSeconds float64)
	RecordCascade(removed, failures int, durationSeconds float64)
	RecordSweep(processed, refreshed, failed int, hasMore bool, durationSeconds float64)
	RecordFallback(reason string)
	SetMemberSetSize(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordScan(string, string, bool, int, float64) {}
func (nopMetrics) RecordCascade(int, int, float64)               {}
func (nopMetrics) RecordSweep(int, int, int, bool, float64)      {}
func (nopMetrics) RecordFallback(string)                         {}
func (nopMetrics) SetMemberSetSize(int)                          {}

// Report is an archived apply-mode summary.
type Report struct {
	Kind      string    `json:"kind"`
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Duration  float64   `json:"durationSeconds"`
	Summary   Summary   `json:"summary"`
}

// Report kinds.
const (
	KindScan      = "scan"
	KindReconcile = "reconcile"
	KindCascade   = "cascade"
)

// Sink archives reports.
type Sink interface {
	Archive(ctx context.Context, r Report) error
}

// Refresher recomputes one member's derived data during a sweep and
// reports whether anything changed.
type Refresher interface {
	Refresh(ctx context.Context, memberID string) (bool, error)
}

// Config configures an Engine.
type Config struct {
	// Concurrency is the job runner pool size.
	// Default: 3
	Concurrency int

	// BatchSize is the orphan scan page size.
	// Default: 100
	BatchSize int

	// RemoveBatchCap caps one remove batch and any requested page size.
	// Default: 500
	RemoveBatchCap int

	// ScanPageSize is the page size used by the full scan strategy.
	// Default: 200
	ScanPageSize int

	// Probe selects how the scan strategy is chosen.
	// Default: auto
	Probe ProbeMode

	// SweepBatchSize is the number of members fetched per sweep call.
	// Default: 50
	SweepBatchSize int

	// SweepMaxDurationMs is the soft time budget of one sweep call.
	// Default: 20000
	SweepMaxDurationMs int64
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        DefaultConcurrency,
		BatchSize:          docstore.DefaultPageSize,
		RemoveBatchCap:     DefaultRemoveBatchCap,
		ScanPageSize:       200,
		Probe:              ProbeAuto,
		SweepBatchSize:     50,
		SweepMaxDurationMs: 20000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RemoveBatchCap <= 0 {
		c.RemoveBatchCap = d.RemoveBatchCap
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	c.BatchSize = min(c.BatchSize, c.RemoveBatchCap)
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = d.ScanPageSize
	}
	if c.Probe == "" {
		c.Probe = d.Probe
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.SweepMaxDurationMs <= 0 {
		c.SweepMaxDurationMs = d.SweepMaxDurationMs
	}
	return c
}

// Engine runs reconciliation operations against a document store.
// It holds no state between calls apart from the cached scan strategy.
type Engine struct {
	store     docstore.Store
	registry  *registry.Registry
	config    Config
	selector  *StrategySelector
	scanner   *Scanner
	remover   *Remover
	logger    *logging.Logger
	metrics   MetricsRecorder
	notifier  notify.Notifier
	sink      Sink
	refresher Refresher
	now       func() time.Time
	newRunID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier sets the counter notifier used by CascadeDelete.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithSink sets where apply-mode reports are archived.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRefresher sets the per-member work done by SweepRefresh.
func WithRefresher(r Refresher) Option {
	return func(e *Engine) { e.refresher = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(f func() string) Option {
	return func(e *Engine) { e.newRunID = f }
}

// New creates an Engine.
func New(store docstore.Store, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: reg,
		config:   DefaultConfig(),
		notifier: notify.Nop{},
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.config = e.config.withDefaults()
	if e.registry == nil {
		e.registry = registry.Default()
	}
	if e.logger == nil {
		e.logger = logging.Global()
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}

	e.selector = NewStrategySelector(store, e.registry.Members(), e.config.Probe, e.config.ScanPageSize, e.logger, e.metrics)
	e.scanner = NewScanner(e.selector, e.logger, e.metrics)
	e.remover = NewRemover(store, e.config.RemoveBatchCap, e.logger)
	return e
}

// Registry returns the reference map in use.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Scanner returns the orphan scanner.
func (e *Engine) Scanner() *Scanner {
	return e.scanner
}

// Ready checks that the member collection can be read.
func (e *Engine) Ready(ctx context.Context) error {
	_, err := e.store.Query(ctx, e.registry.Members(), docstore.QueryOptions{Limit: 1, Fields: []string{docstore.IDField}})
	return err
}

// ScanOptions configures a scan.
type ScanOptions struct {
	// PreviewOnly counts orphans without removing them.
	PreviewOnly bool `json:"previewOnly"`
	// BatchSize is the page size. Zero means the engine default; values
	// above the remove batch cap are clamped.
	BatchSize int `json:"batchSize"`
}

// ScanOrphans finds orphans in collection through paths. In preview mode
// the result's Preview holds the count; otherwise orphans are removed and
// Removed holds what was deleted or pruned. Preview and apply discover
// candidates through the same scan, so their counts agree when nothing
// else writes in between.
//
// Empty paths or an empty collection name return an empty summary without
// touching the store.
func (e *Engine) ScanOrphans(ctx context.Context, collection string, paths []registry.ReferencePath, opts ScanOptions) Summary {
	runID := e.newRunID()
	logger := e.logger.WithRunID(runID)
	ctx = logging.WithRunIDCtx(ctx, runID)
	start := e.now()

	sum := e.scanOrphans(ctx, logger, collection, paths, opts)
	if !opts.PreviewOnly {
		e.archive(ctx, logger, KindScan, runID, start, sum)
	}
	return sum
}

// ScanCollection scans a registered collection with its declared paths.
// Unknown collections return an empty summary.
func (e *Engine) ScanCollection(ctx context.Context, name string, opts ScanOptions) Summary {
	return e.ScanOrphans(ctx, name, e.registry.Paths(name), opts)
}

// Reconcile scans every registered collection concurrently and merges the
// per-collection summaries.
func (e *Engine) Reconcile(ctx context.Context, opts ScanOptions) Summary {
	runID := e.newRunID()
	logger := e.logger.WithRunID(runID)
	ctx = logging.WithRunIDCtx(ctx, runID)
	start := e.now()

	colls := e.registry.Collections()
	tasks := make([]Task[Summary], len(colls))
	for i, c := range colls {
		tasks[i] = func(ctx context.Context) (Summary, error) {
			return e.scanOrphans(ctx, logger, c.Name, c.Paths, opts), nil
		}
	}

	var sum Summary
	for i, res := range Run(ctx, tasks, e.config.Concurrency) {
		if res.Err != nil {
			sum.AddError(colls[i].Name, "", res.Err)
			continue
		}
		sum = Merge(sum, res.Value)
	}
	sum.SortErrors()

	logger.Infof("reconcile finished", map[string]any{
		"previewOnly": opts.PreviewOnly,
		"collections": len(colls),
		"removed":     sum.TotalRemoved(),
		"preview":     sum.TotalPreview(),
		"errors":      len(sum.Errors),
		"durationMs":  e.now().Sub(start).Milliseconds(),
	})
	if !opts.PreviewOnly {
		e.archive(ctx, logger, KindReconcile, runID, start, sum)
	}
	return sum
}

func (e *Engine) scanOrphans(ctx context.Context, logger *logging.Logger, collection string, paths []registry.ReferencePath, opts ScanOptions) Summary {
	coll := e.collectionFor(collection, paths)
	key := coll.Key()

	var sum Summary
	if opts.PreviewOnly {
		sum.AddPreview(key, 0)
	} else {
		sum.AddRemoved(key, 0)
	}

	logger = logger.With(map[string]any{"collection": collection})
	if collection == "" || len(paths) == 0 {
		logger.Debugf("no reference paths, nothing to scan", nil)
		return sum
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = e.config.BatchSize
	}
	batch = min(batch, e.remover.BatchCap())

	start := e.now()
	prune := coll.PrunesEntries()
	scan, err := e.scanner.Open(ctx, Target{Collection: collection, Paths: paths, Entries: prune})
	if err != nil {
		logger.Errorf("failed to start orphan scan", map[string]any{"error": err.Error()})
		sum.AddError(collection, "", err)
		return sum
	}

	candidates := 0
	for ids, err := range scan.Pages(ctx, batch) {
		if err != nil {
			logger.Errorf("orphan scan page failed", map[string]any{"error": err.Error()})
			sum.AddError(collection, "", err)
			break
		}
		candidates += len(ids)
		switch {
		case prune:
			e.remover.PruneEntries(ctx, coll, ids, scan.Live, opts.PreviewOnly, &sum)
		case opts.PreviewOnly:
			sum.AddPreview(key, len(ids))
		default:
			e.remover.RemoveBatch(ctx, coll, ids, &sum)
		}
	}

	count := sum.Count(key)
	elapsed := e.now().Sub(start)
	e.metrics.RecordScan(collection, scan.Strategy(), opts.PreviewOnly, count, elapsed.Seconds())
	logger.Infof("orphan scan finished", map[string]any{
		"strategy":    scan.Strategy(),
		"previewOnly": opts.PreviewOnly,
		"candidates":  candidates,
		"count":       count,
		"errors":      len(sum.Errors),
		"durationMs":  elapsed.Milliseconds(),
	})
	return sum
}

// collectionFor returns the registered collection with paths substituted,
// or an ad hoc delete-where collection for names the registry lacks.
// Object list paths always prune entries.
func (e *Engine) collectionFor(name string, paths []registry.ReferencePath) registry.Collection {
	coll, ok := e.registry.Lookup(name)
	if !ok {
		coll = registry.Collection{Name: name}
	}
	coll.Paths = paths
	for _, p := range paths {
		if p.Shape == registry.ObjectList {
			coll.Cascade = registry.PruneEntries
		}
	}
	if coll.Cascade == registry.DeleteByID && (len(paths) != 1 || paths[0].Path != docstore.IDField) {
		coll.Cascade = registry.DeleteWhere
	}
	return coll
}

func (e *Engine) archive(ctx context.Context, logger *logging.Logger, kind, runID string, start time.Time, sum Summary) {
	if e.sink == nil {
		return
	}
	err := e.sink.Archive(ctx, Report{
		Kind:      kind,
		RunID:     runID,
		StartedAt: start.UTC(),
		Duration:  e.now().Sub(start).Seconds(),
		Summary:   sum,
	})
	if err != nil {
		logger.Warnf("failed to archive report", map[string]any{"kind": kind, "error": err.Error()})
	}
}

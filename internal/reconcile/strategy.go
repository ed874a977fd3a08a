package reconcile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/registry"
)

// Strategy names.
const (
	StrategyJoin     = "join"
	StrategyFullScan = "fullscan"
)

// Target is what an orphan scan looks at.
type Target struct {
	Collection string
	Paths      []registry.ReferencePath

	// Entries matches scalar list references per element, for collections
	// whose orphans are pruned out of arrays rather than deleted whole.
	Entries bool
}

// Finder discovers orphan candidates for one scan.
type Finder interface {
	// Next returns up to limit candidate ids greater than after, ascending.
	Next(ctx context.Context, after string, limit int) ([]string, error)

	// Live reports which of ids belong to live members.
	Live(ctx context.Context, ids []string) (map[string]bool, error)
}

// Strategy produces Finders. Both implementations must yield the same
// candidate set for the same data.
type Strategy interface {
	Name() string
	Begin(ctx context.Context, target Target) (Finder, error)
}

// JoinStrategy asks the store for an anti-join per reference path and
// unions the results.
type JoinStrategy struct {
	store   docstore.Store
	joiner  docstore.Joiner
	members string
}

// NewJoinStrategy creates a JoinStrategy.
func NewJoinStrategy(store docstore.Store, joiner docstore.Joiner, members string) *JoinStrategy {
	return &JoinStrategy{store: store, joiner: joiner, members: members}
}

func (s *JoinStrategy) Name() string { return StrategyJoin }

func (s *JoinStrategy) Begin(_ context.Context, target Target) (Finder, error) {
	return &joinFinder{strategy: s, target: target}, nil
}

type joinFinder struct {
	strategy *JoinStrategy
	target   Target
}

func (f *joinFinder) Next(ctx context.Context, after string, limit int) ([]string, error) {
	results := make([][]string, len(f.target.Paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range f.target.Paths {
		req := docstore.JoinRequest{
			Collection:          f.target.Collection,
			Path:                p.Path,
			Key:                 p.Key,
			Entries:             f.target.Entries && p.Shape == registry.ScalarList,
			ReferenceCollection: f.strategy.members,
			After:               after,
			Limit:               limit,
		}
		g.Go(func() error {
			ids, err := f.strategy.joiner.JoinOnMissing(gctx, req)
			results[i] = ids
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return unionSorted(limit, results...), nil
}

func (f *joinFinder) Live(ctx context.Context, ids []string) (map[string]bool, error) {
	return lookupMembers(ctx, f.strategy.store, f.strategy.members, ids)
}

// liveLookupChunk bounds the size of one $in lookup.
const liveLookupChunk = 200

func lookupMembers(ctx context.Context, store docstore.Store, members string, ids []string) (map[string]bool, error) {
	uniq := dedupe(ids)
	live := make(map[string]bool, len(uniq))
	for start := 0; start < len(uniq); start += liveLookupChunk {
		chunk := uniq[start:min(start+liveLookupChunk, len(uniq))]
		docs, err := store.Query(ctx, members, docstore.QueryOptions{
			Filter: docstore.Where(docstore.In(docstore.IDField, chunk...)),
			Fields: []string{docstore.IDField},
			Limit:  len(chunk),
		})
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			live[d.ID()] = true
		}
	}
	return live, nil
}

// FullScanStrategy loads every live member id into memory once per scan
// and pages through the collection checking references client side.
//
// The member set is unbounded. Its size is logged and exported so
// operators can see when a population outgrows this path.
type FullScanStrategy struct {
	store    docstore.Store
	members  string
	pageSize int
	logger   *logging.Logger
	metrics  MetricsRecorder
}

// NewFullScanStrategy creates a FullScanStrategy.
func NewFullScanStrategy(store docstore.Store, members string, pageSize int, logger *logging.Logger, metrics MetricsRecorder) *FullScanStrategy {
	if pageSize <= 0 {
		pageSize = docstore.DefaultPageSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &FullScanStrategy{store: store, members: members, pageSize: pageSize, logger: logger, metrics: metrics}
}

func (s *FullScanStrategy) Name() string { return StrategyFullScan }

func (s *FullScanStrategy) Begin(ctx context.Context, target Target) (Finder, error) {
	set, err := s.loadMembers(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("loaded member set for full scan", map[string]any{
		"collection": target.Collection,
		"members":    len(set),
	})
	if s.metrics != nil {
		s.metrics.SetMemberSetSize(len(set))
	}
	return &scanFinder{strategy: s, target: target, members: set, fields: topLevelFields(target.Paths)}, nil
}

func (s *FullScanStrategy) loadMembers(ctx context.Context) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	after := ""
	for {
		page, err := s.store.Query(ctx, s.members, docstore.QueryOptions{
			After:  after,
			Limit:  s.pageSize,
			Fields: []string{docstore.IDField},
		})
		if err != nil {
			return nil, err
		}
		for _, d := range page {
			set[d.ID()] = struct{}{}
		}
		if len(page) < s.pageSize {
			return set, nil
		}
		after = page[len(page)-1].ID()
	}
}

type scanFinder struct {
	strategy *FullScanStrategy
	target   Target
	members  map[string]struct{}
	fields   []string
}

func (f *scanFinder) live(id string) bool {
	_, ok := f.members[id]
	return ok
}

func (f *scanFinder) Next(ctx context.Context, after string, limit int) ([]string, error) {
	var out []string
	for {
		page, err := f.strategy.store.Query(ctx, f.target.Collection, docstore.QueryOptions{
			After:  after,
			Limit:  f.strategy.pageSize,
			Fields: f.fields,
		})
		if err != nil {
			return nil, err
		}
		for _, doc := range page {
			if orphaned(doc, f.target, f.live) {
				out = append(out, doc.ID())
				if len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(page) < f.strategy.pageSize {
			return out, nil
		}
		after = page[len(page)-1].ID()
	}
}

func (f *scanFinder) Live(_ context.Context, ids []string) (map[string]bool, error) {
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		if f.live(id) {
			live[id] = true
		}
	}
	return live, nil
}

// orphaned reports whether any reference path of doc resolves only to
// missing members. Paths that resolve to nothing never make a document
// an orphan.
func orphaned(doc docstore.Document, target Target, live func(string) bool) bool {
	for _, p := range target.Paths {
		if p.Shape == registry.ObjectList {
			for _, entry := range docstore.Entries(doc, p.Path) {
				if id, _ := entry[p.Key].(string); id != "" && !live(id) {
					return true
				}
			}
			continue
		}

		ids := docstore.ResolveIDs(doc, p.Path)
		if len(ids) == 0 {
			continue
		}
		perEntry := target.Entries && p.Shape == registry.ScalarList
		missing := 0
		for _, id := range ids {
			if !live(id) {
				missing++
			}
		}
		if (perEntry && missing > 0) || missing == len(ids) {
			return true
		}
	}
	return false
}

func topLevelFields(paths []registry.ReferencePath) []string {
	seen := make(map[string]bool, len(paths))
	var fields []string
	for _, p := range paths {
		field, _, _ := strings.Cut(p.Path, ".")
		if field == docstore.IDField || seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	if len(fields) == 0 {
		return []string{docstore.IDField}
	}
	return fields
}

// unionSorted merges id lists, removes duplicates, sorts ascending and
// keeps at most limit ids.
func unionSorted(limit int, lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	out := dedupe(all)
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ProbeMode controls strategy selection.
type ProbeMode string

const (
	// ProbeAuto probes the join capability once and caches the answer.
	ProbeAuto ProbeMode = "auto"
	// ProbeJoin uses the join strategy without probing.
	ProbeJoin ProbeMode = "join"
	// ProbeFullScan always uses the full scan strategy.
	ProbeFullScan ProbeMode = "fullscan"
)

// StrategySelector picks the scan strategy once per process. A store
// without the join capability, or one that reports it unavailable, is
// demoted to the full scan for good.
type StrategySelector struct {
	join     *JoinStrategy
	fallback *FullScanStrategy
	members  string
	mode     ProbeMode
	logger   *logging.Logger
	metrics  MetricsRecorder

	mu         sync.Mutex
	resolved   Strategy
	demoteOnce sync.Once
}

// NewStrategySelector creates a selector for store.
func NewStrategySelector(store docstore.Store, members string, mode ProbeMode, pageSize int, logger *logging.Logger, metrics MetricsRecorder) *StrategySelector {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &StrategySelector{
		fallback: NewFullScanStrategy(store, members, pageSize, logger, metrics),
		members:  members,
		mode:     mode,
		logger:   logger,
		metrics:  metrics,
	}
	if joiner, ok := store.(docstore.Joiner); ok {
		s.join = NewJoinStrategy(store, joiner, members)
	}
	return s
}

// Select returns the strategy to use. The first call may probe the store.
// A probe that fails for a reason other than the capability being
// unavailable is not cached; that call gets the fallback.
func (s *StrategySelector) Select(ctx context.Context) Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved != nil {
		return s.resolved
	}

	if s.join == nil || s.mode == ProbeFullScan {
		s.resolved = s.fallback
		s.logger.Infof("using full scan strategy", map[string]any{"mode": string(s.mode), "joinCapable": s.join != nil})
		return s.resolved
	}
	if s.mode == ProbeJoin {
		s.resolved = s.join
		return s.resolved
	}

	_, err := s.join.joiner.JoinOnMissing(ctx, docstore.JoinRequest{
		Collection:          s.members,
		Path:                docstore.IDField,
		ReferenceCollection: s.members,
		Limit:               1,
	})
	switch {
	case err == nil:
		s.resolved = s.join
		s.logger.Infof("join capability available", nil)
		return s.resolved
	case errors.Is(err, docstore.ErrCapabilityUnavailable):
		s.demoteLocked(err)
		return s.resolved
	default:
		s.logger.Warnf("join probe failed, using full scan for this call", map[string]any{"error": err.Error()})
		s.recordFallback("probe_error")
		return s.fallback
	}
}

// Fallback returns the full scan strategy.
func (s *StrategySelector) Fallback() Strategy {
	return s.fallback
}

// Demote switches the process to the full scan strategy.
func (s *StrategySelector) Demote(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demoteLocked(reason)
}

func (s *StrategySelector) demoteLocked(reason error) {
	s.resolved = s.fallback
	s.demoteOnce.Do(func() {
		fields := map[string]any{}
		if reason != nil {
			fields["reason"] = reason.Error()
		}
		s.logger.Warnf("join capability unavailable, falling back to full scan", fields)
		s.recordFallback("unavailable")
	})
}

func (s *StrategySelector) recordFallback(reason string) {
	if s.metrics != nil {
		s.metrics.RecordFallback(reason)
	}
}

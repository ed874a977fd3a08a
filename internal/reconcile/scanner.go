package reconcile

import (
	"context"
	"errors"
	"iter"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/logging"
)

// Scanner discovers orphaned documents.
type Scanner struct {
	selector *StrategySelector
	logger   *logging.Logger
	metrics  MetricsRecorder
}

// NewScanner creates a Scanner.
func NewScanner(selector *StrategySelector, logger *logging.Logger, metrics MetricsRecorder) *Scanner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scanner{selector: selector, logger: logger, metrics: metrics}
}

// Page is one page of orphan candidates.
type Page struct {
	IDs []string `json:"ids"`
	// NextCursor is the last id of the page, or the request cursor when
	// the page is empty.
	NextCursor string `json:"nextCursor"`
	// Done is set when no candidates remain past NextCursor.
	Done bool `json:"done"`
}

// Scan returns one page of candidates with ids greater than cursor.
func (s *Scanner) Scan(ctx context.Context, target Target, cursor string, limit int) (Page, error) {
	if len(target.Paths) == 0 {
		return Page{NextCursor: cursor, Done: true}, nil
	}
	sc, err := s.Open(ctx, target)
	if err != nil {
		return Page{NextCursor: cursor}, err
	}
	ids, err := sc.Next(ctx, cursor, limit)
	if err != nil {
		return Page{NextCursor: cursor}, err
	}
	page := Page{IDs: ids, NextCursor: cursor, Done: len(ids) < limit}
	if len(ids) > 0 {
		page.NextCursor = ids[len(ids)-1]
	}
	return page, nil
}

// Open starts a scan with the currently selected strategy.
func (s *Scanner) Open(ctx context.Context, target Target) (*Scan, error) {
	strategy := s.selector.Select(ctx)
	finder, err := strategy.Begin(ctx, target)
	if err != nil {
		return nil, err
	}
	return &Scan{scanner: s, target: target, strategy: strategy, finder: finder}, nil
}

// Scan is one in-progress orphan scan over a single collection.
type Scan struct {
	scanner  *Scanner
	target   Target
	strategy Strategy
	finder   Finder
}

// Strategy returns the name of the strategy currently serving the scan.
func (sc *Scan) Strategy() string {
	return sc.strategy.Name()
}

// Next returns up to limit candidates with ids greater than after. A join
// failure switches the rest of the scan to the full scan strategy and
// retries the same page.
func (sc *Scan) Next(ctx context.Context, after string, limit int) ([]string, error) {
	ids, err := sc.finder.Next(ctx, after, limit)
	if err == nil || sc.strategy.Name() == StrategyFullScan || ctx.Err() != nil {
		return ids, err
	}

	if errors.Is(err, docstore.ErrCapabilityUnavailable) {
		sc.scanner.selector.Demote(err)
	} else {
		sc.scanner.logger.Warnf("join failed, continuing scan with full scan", map[string]any{
			"collection": sc.target.Collection,
			"error":      err.Error(),
		})
		if sc.scanner.metrics != nil {
			sc.scanner.metrics.RecordFallback("join_error")
		}
	}

	fallback := sc.scanner.selector.Fallback()
	finder, ferr := fallback.Begin(ctx, sc.target)
	if ferr != nil {
		return nil, ferr
	}
	sc.strategy, sc.finder = fallback, finder
	return sc.finder.Next(ctx, after, limit)
}

// Live reports which of ids belong to live members.
func (sc *Scan) Live(ctx context.Context, ids []string) (map[string]bool, error) {
	return sc.finder.Live(ctx, ids)
}

// Pages yields successive pages of at most limit candidates in ascending
// id order until the collection is exhausted. The sequence is finite and
// can be restarted by calling Pages again. An error ends the sequence.
func (sc *Scan) Pages(ctx context.Context, limit int) iter.Seq2[[]string, error] {
	if limit <= 0 {
		limit = docstore.DefaultPageSize
	}
	return func(yield func([]string, error) bool) {
		after := ""
		for {
			ids, err := sc.Next(ctx, after, limit)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(ids) == 0 {
				return
			}
			if !yield(ids, nil) {
				return
			}
			if len(ids) < limit {
				return
			}
			after = ids[len(ids)-1]
		}
	}
}

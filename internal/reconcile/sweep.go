package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/logging"
)

// ErrNoRefresher is returned by SweepRefresh when the engine has no
// Refresher configured.
var ErrNoRefresher = errors.New("reconcile: no refresher configured")

// SweepRequest is one step of a resumable sweep. Totals are carried over
// from the previous step's result.
type SweepRequest struct {
	Cursor         string `json:"cursor"`
	BatchSize      int    `json:"batchSize"`
	MaxDurationMs  int64  `json:"maxDurationMs"`
	ProcessedTotal int    `json:"processedTotal"`
	RefreshedTotal int    `json:"refreshedTotal"`
	FailedTotal    int    `json:"failedTotal"`
}

// SweepBatch counts what one step did.
type SweepBatch struct {
	Processed int `json:"processed"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// SweepResult is the outcome of one step. Processed, Refreshed and Failed
// are running totals; Batch holds this step's share.
type SweepResult struct {
	Cursor    string       `json:"cursor"`
	HasMore   bool         `json:"hasMore"`
	Processed int          `json:"processed"`
	Refreshed int          `json:"refreshed"`
	Failed    int          `json:"failed"`
	Errors    []ErrorEntry `json:"errors"`
	// Remaining is the number of members after Cursor, or -1 when it
	// could not be counted.
	Remaining int64      `json:"remaining"`
	Batch     SweepBatch `json:"batch"`
}

// Next returns the request that continues this sweep.
func (r SweepResult) Next(prev SweepRequest) SweepRequest {
	return SweepRequest{
		Cursor:         r.Cursor,
		BatchSize:      prev.BatchSize,
		MaxDurationMs:  prev.MaxDurationMs,
		ProcessedTotal: r.Processed,
		RefreshedTotal: r.Refreshed,
		FailedTotal:    r.Failed,
	}
}

// resumeResult repeats the request's position so a caller chaining
// results after a failed step resumes where it was.
func resumeResult(req SweepRequest) SweepResult {
	return SweepResult{
		Cursor:    req.Cursor,
		HasMore:   true,
		Processed: req.ProcessedTotal,
		Refreshed: req.RefreshedTotal,
		Failed:    req.FailedTotal,
		Remaining: -1,
	}
}

// SweepRefresh refreshes the next batch of members after req.Cursor in
// ascending id order. It stops early once the time budget is spent and at
// least one member was processed, so every call makes progress. The
// returned cursor is the last member attempted; chaining cursors from ""
// visits every member that existed when the sweep began exactly once.
//
// Only a failure to list members is returned as an error; the result then
// carries the request's cursor and totals unchanged. Per-member failures are
// counted and listed in the result.
func (e *Engine) SweepRefresh(ctx context.Context, req SweepRequest) (SweepResult, error) {
	if e.refresher == nil {
		return SweepResult{}, ErrNoRefresher
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = e.config.SweepBatchSize
	}
	batchSize = min(batchSize, e.remover.BatchCap())
	budget := time.Duration(req.MaxDurationMs) * time.Millisecond
	if req.MaxDurationMs <= 0 {
		budget = time.Duration(e.config.SweepMaxDurationMs) * time.Millisecond
	}

	runID := e.newRunID()
	logger := e.logger.WithRunID(runID)
	ctx = logging.WithRunIDCtx(ctx, runID)
	members := e.registry.Members()
	start := e.now()

	docs, err := e.store.Query(ctx, members, docstore.QueryOptions{
		After:  req.Cursor,
		Limit:  batchSize + 1,
		Fields: []string{docstore.IDField},
	})
	if err != nil {
		logger.Errorf("failed to list members", map[string]any{"cursor": req.Cursor, "error": err.Error()})
		return resumeResult(req), err
	}
	beyond := len(docs) > batchSize
	if beyond {
		docs = docs[:batchSize]
	}

	res := SweepResult{Cursor: req.Cursor}
	stoppedEarly := false
	for i, doc := range docs {
		id := doc.ID()
		changed, err := e.refresher.Refresh(ctx, id)
		res.Batch.Processed++
		res.Cursor = id
		switch {
		case err != nil:
			res.Batch.Failed++
			res.Errors = append(res.Errors, ErrorEntry{Collection: members, ID: id, Message: err.Error()})
		case changed:
			res.Batch.Refreshed++
		}

		if i == len(docs)-1 {
			break
		}
		if e.now().Sub(start) >= budget || ctx.Err() != nil {
			stoppedEarly = true
			break
		}
	}

	res.HasMore = stoppedEarly || beyond
	res.Processed = req.ProcessedTotal + res.Batch.Processed
	res.Refreshed = req.RefreshedTotal + res.Batch.Refreshed
	res.Failed = req.FailedTotal + res.Batch.Failed

	res.Remaining, err = e.store.Count(ctx, members, docstore.Where(docstore.Gt(docstore.IDField, res.Cursor)))
	if err != nil {
		logger.Warnf("failed to count remaining members", map[string]any{"error": err.Error()})
		res.Remaining = -1
	}

	elapsed := e.now().Sub(start)
	e.metrics.RecordSweep(res.Batch.Processed, res.Batch.Refreshed, res.Batch.Failed, res.HasMore, elapsed.Seconds())
	logger.Infof("sweep step finished", map[string]any{
		"cursor":       res.Cursor,
		"hasMore":      res.HasMore,
		"stoppedEarly": stoppedEarly,
		"processed":    res.Batch.Processed,
		"refreshed":    res.Batch.Refreshed,
		"failed":       res.Batch.Failed,
		"remaining":    res.Remaining,
		"durationMs":   elapsed.Milliseconds(),
	})
	return res, nil
}

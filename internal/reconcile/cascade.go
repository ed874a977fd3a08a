package reconcile

import (
	"context"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/notify"
	"github.com/sornon/member-sub002/internal/registry"
)

// MembersKey is the summary key for the member record itself.
const MembersKey = "members"

// CascadeDelete removes everything that references memberID, then the
// member record. Collections are processed concurrently; one collection
// failing blocks neither the others nor the final member delete. A
// collection's counter notification fires only when something was removed
// from it. Calling it again for the same id removes nothing.
func (e *Engine) CascadeDelete(ctx context.Context, memberID string) (Summary, error) {
	if memberID == "" {
		return Summary{}, ErrEmptyMemberID
	}
	runID := e.newRunID()
	logger := e.logger.WithRunID(runID).With(map[string]any{"memberId": memberID})
	ctx = logging.WithRunIDCtx(ctx, runID)
	start := e.now()

	colls := e.registry.Collections()
	tasks := make([]Task[Summary], len(colls))
	for i, c := range colls {
		tasks[i] = func(ctx context.Context) (Summary, error) {
			return e.cascadeCollection(ctx, c, memberID), nil
		}
	}

	var sum Summary
	for i, res := range Run(ctx, tasks, e.config.Concurrency) {
		if res.Err != nil {
			sum.AddError(colls[i].Name, memberID, res.Err)
			continue
		}
		sum = Merge(sum, res.Value)
	}

	e.notifyCounters(ctx, logger, colls, memberID, runID, &sum)

	n, err := e.store.DeleteByID(ctx, e.registry.Members(), memberID)
	if err != nil && !docstore.IsNotFound(err) {
		sum.AddError(e.registry.Members(), memberID, err)
	} else {
		sum.AddRemoved(MembersKey, n)
	}
	sum.SortErrors()

	elapsed := e.now().Sub(start)
	e.metrics.RecordCascade(sum.TotalRemoved(), len(sum.Errors), elapsed.Seconds())
	logger.Infof("cascade delete finished", map[string]any{
		"removed":    sum.TotalRemoved(),
		"errors":     len(sum.Errors),
		"durationMs": elapsed.Milliseconds(),
	})
	e.archive(ctx, logger, KindCascade, runID, start, sum)
	return sum, nil
}

func (e *Engine) cascadeCollection(ctx context.Context, coll registry.Collection, memberID string) Summary {
	var sum Summary
	sum.AddRemoved(coll.Key(), 0)

	if coll.Cascade == registry.DeleteByID {
		e.remover.RemoveBatch(ctx, coll, []string{memberID}, &sum)
		return sum
	}

	filter := memberFilter(coll.Paths, memberID)
	limit := e.remover.BatchCap()
	after := ""
	for {
		docs, err := e.store.Query(ctx, coll.Name, docstore.QueryOptions{
			Filter: filter,
			After:  after,
			Limit:  limit,
			Fields: []string{docstore.IDField},
		})
		if err != nil {
			sum.AddError(coll.Name, "", err)
			return sum
		}
		if len(docs) == 0 {
			return sum
		}
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID()
		}

		if coll.Cascade == registry.PruneEntries {
			e.remover.PruneEntries(ctx, coll, ids, allExcept(memberID), false, &sum)
		} else {
			e.remover.RemoveBatch(ctx, coll, ids, &sum)
		}

		if len(docs) < limit {
			return sum
		}
		after = ids[len(ids)-1]
	}
}

// memberFilter matches documents where any reference path holds memberID.
func memberFilter(paths []registry.ReferencePath, memberID string) docstore.Filter {
	conds := make([]docstore.Condition, 0, len(paths))
	for _, p := range paths {
		path := p.Path
		if p.Shape == registry.ObjectList {
			path = p.Path + "." + p.Key
		}
		conds = append(conds, docstore.Eq(path, memberID))
	}
	return docstore.AnyOf(conds...)
}

// allExcept treats every id but memberID as live, so a cascade prunes only
// the deleted member's entries.
func allExcept(memberID string) LiveFunc {
	return func(_ context.Context, ids []string) (map[string]bool, error) {
		live := make(map[string]bool, len(ids))
		for _, id := range ids {
			if id != memberID {
				live[id] = true
			}
		}
		return live, nil
	}
}

func (e *Engine) notifyCounters(ctx context.Context, logger *logging.Logger, colls []registry.Collection, memberID, runID string, sum *Summary) {
	for _, c := range colls {
		if c.NotifyCounter == "" {
			continue
		}
		removed := sum.Removed[c.Key()]
		if removed < 1 {
			continue
		}
		err := e.notifier.CounterChanged(ctx, notify.CounterEvent{
			Counter:    c.NotifyCounter,
			MemberID:   memberID,
			Collection: c.Name,
			Removed:    removed,
			RunID:      runID,
			At:         e.now().UTC(),
		})
		if err != nil {
			logger.Warnf("counter notification failed", map[string]any{"counter": c.NotifyCounter, "error": err.Error()})
			sum.AddError(c.Name, memberID, err)
		}
	}
}

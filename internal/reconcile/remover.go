package reconcile

import (
	"context"
	"strings"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/registry"
)

// DefaultRemoveBatchCap bounds how many documents one batch touches.
const DefaultRemoveBatchCap = 500

// LiveFunc reports which of ids belong to live members.
type LiveFunc func(ctx context.Context, ids []string) (map[string]bool, error)

// Remover deletes orphaned documents and prunes orphaned array entries.
// Every operation is idempotent: a document that is already gone counts
// as zero removed, never as an error.
type Remover struct {
	store    docstore.Store
	batchCap int
	logger   *logging.Logger
}

// NewRemover creates a Remover.
func NewRemover(store docstore.Store, batchCap int, logger *logging.Logger) *Remover {
	if batchCap <= 0 {
		batchCap = DefaultRemoveBatchCap
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Remover{store: store, batchCap: batchCap, logger: logger}
}

// BatchCap returns the maximum batch size.
func (r *Remover) BatchCap() int {
	return r.batchCap
}

// RemoveBatch deletes whole documents. Ids beyond the batch cap are
// processed in further batches. Failures are recorded in sum and do not
// stop the remaining deletes.
func (r *Remover) RemoveBatch(ctx context.Context, coll registry.Collection, ids []string, sum *Summary) {
	for start := 0; start < len(ids); start += r.batchCap {
		for _, id := range ids[start:min(start+r.batchCap, len(ids))] {
			r.remove(ctx, coll, id, sum)
		}
	}
}

func (r *Remover) remove(ctx context.Context, coll registry.Collection, id string, sum *Summary) {
	if len(coll.Report) > 0 {
		r.report(ctx, coll, id, sum)
	}
	n, err := r.store.DeleteByID(ctx, coll.Name, id)
	if err != nil && !docstore.IsNotFound(err) {
		sum.AddError(coll.Name, id, err)
		return
	}
	sum.AddRemoved(coll.Key(), n)
}

// report adds the lengths of the collection's report arrays to the
// auxiliary counters. Failures are logged and never block the delete.
func (r *Remover) report(ctx context.Context, coll registry.Collection, id string, sum *Summary) {
	doc, err := r.store.GetByID(ctx, coll.Name, id)
	if err != nil {
		if !docstore.IsNotFound(err) {
			r.logger.Warnf("failed to read document for report", map[string]any{
				"collection": coll.Name,
				"id":         id,
				"error":      err.Error(),
			})
		}
		return
	}
	n := 0
	for _, field := range coll.Report {
		v, _ := docstore.Lookup(doc, field)
		n += listLen(v)
	}
	sum.AddAuxiliary(coll.ReportKey, n)
}

// PruneEntries removes entries that reference non-live members from the
// list paths of each parent document. All offending entries of a parent
// are removed in a single write. With dryRun set nothing is written and
// the entries that would go are counted as preview.
func (r *Remover) PruneEntries(ctx context.Context, coll registry.Collection, parentIDs []string, live LiveFunc, dryRun bool, sum *Summary) {
	parentIDs = dedupe(parentIDs)
	for start := 0; start < len(parentIDs); start += r.batchCap {
		r.pruneChunk(ctx, coll, parentIDs[start:min(start+r.batchCap, len(parentIDs))], live, dryRun, sum)
	}
}

func (r *Remover) pruneChunk(ctx context.Context, coll registry.Collection, parentIDs []string, live LiveFunc, dryRun bool, sum *Summary) {
	docs := make([]docstore.Document, 0, len(parentIDs))
	for _, id := range parentIDs {
		doc, err := r.store.GetByID(ctx, coll.Name, id)
		if err != nil {
			if !docstore.IsNotFound(err) {
				sum.AddError(coll.Name, id, err)
			}
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return
	}

	var refs []string
	for _, doc := range docs {
		refs = append(refs, listRefs(doc, coll.Paths)...)
	}
	liveSet, err := live(ctx, refs)
	if err != nil {
		sum.AddError(coll.Name, "", err)
		return
	}

	for _, doc := range docs {
		fields, removed := prune(doc, coll.Paths, liveSet)
		if removed == 0 {
			continue
		}
		if dryRun {
			sum.AddPreview(coll.Key(), removed)
			continue
		}
		if err := r.store.UpdateByID(ctx, coll.Name, doc.ID(), fields); err != nil {
			if !docstore.IsNotFound(err) {
				sum.AddError(coll.Name, doc.ID(), err)
			}
			continue
		}
		sum.AddRemoved(coll.Key(), removed)
	}
}

// listRefs returns every member id held in the list paths of doc.
func listRefs(doc docstore.Document, paths []registry.ReferencePath) []string {
	var ids []string
	for _, p := range paths {
		switch p.Shape {
		case registry.ScalarList:
			ids = append(ids, docstore.ResolveIDs(doc, p.Path)...)
		case registry.ObjectList:
			for _, entry := range docstore.Entries(doc, p.Path) {
				if id, _ := entry[p.Key].(string); id != "" {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// prune computes the top-level fields to write back and how many entries
// were dropped. Entries without an id are kept.
func prune(doc docstore.Document, paths []registry.ReferencePath, live map[string]bool) (docstore.Document, int) {
	work := doc.Clone()
	fields := docstore.Document{}
	removed := 0
	for _, p := range paths {
		if p.Shape == registry.Scalar {
			continue
		}
		raw, ok := docstore.Lookup(work, p.Path)
		if !ok {
			continue
		}
		list := toList(raw)
		if list == nil {
			continue
		}
		kept := make([]any, 0, len(list))
		for _, elem := range list {
			if id := entryID(elem, p); id != "" && !live[id] {
				removed++
				continue
			}
			kept = append(kept, elem)
		}
		if len(kept) == len(list) {
			continue
		}
		top := setPath(work, p.Path, kept)
		fields[top] = work[top]
	}
	return fields, removed
}

func entryID(elem any, p registry.ReferencePath) string {
	if p.Shape == registry.ScalarList {
		id, _ := elem.(string)
		return id
	}
	switch e := elem.(type) {
	case map[string]any:
		id, _ := e[p.Key].(string)
		return id
	case docstore.Document:
		id, _ := e[p.Key].(string)
		return id
	}
	return ""
}

// setPath stores value at a dotted path inside doc and returns the
// top-level field that changed.
func setPath(doc docstore.Document, path string, value any) string {
	segments := strings.Split(path, ".")
	var cur map[string]any = doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if d, isDoc := cur[seg].(docstore.Document); isDoc {
				next = d
			} else {
				next = map[string]any{}
				cur[seg] = next
			}
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
	return segments[0]
}

func toList(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func listLen(v any) int {
	switch val := v.(type) {
	case []any:
		return len(val)
	case []string:
		return len(val)
	default:
		return 0
	}
}

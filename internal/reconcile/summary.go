package reconcile

import (
	"sort"
)

// ErrorEntry is one failed document or collection operation.
type ErrorEntry struct {
	Collection string `json:"collection"`
	ID         string `json:"id,omitempty"`
	Message    string `json:"message"`
}

// Summary aggregates the outcome of one invocation.
//
// Apply-mode calls fill Removed, preview calls fill Preview; a single
// invocation never fills both. Auxiliary carries secondary counters
// gathered before deletes (for example unlock entries on profile extras).
type Summary struct {
	Removed   map[string]int `json:"removed,omitempty"`
	Preview   map[string]int `json:"preview,omitempty"`
	Auxiliary map[string]int `json:"auxiliary,omitempty"`
	Errors    []ErrorEntry   `json:"errors"`
}

// AddRemoved adds n to the removed count of key. The key is created even
// when n is zero so callers can tell "nothing removed" from "not run".
func (s *Summary) AddRemoved(key string, n int) {
	if s.Removed == nil {
		s.Removed = make(map[string]int)
	}
	s.Removed[key] += n
}

// AddPreview adds n to the preview count of key.
func (s *Summary) AddPreview(key string, n int) {
	if s.Preview == nil {
		s.Preview = make(map[string]int)
	}
	s.Preview[key] += n
}

// AddAuxiliary adds n to an auxiliary counter.
func (s *Summary) AddAuxiliary(key string, n int) {
	if s.Auxiliary == nil {
		s.Auxiliary = make(map[string]int)
	}
	s.Auxiliary[key] += n
}

// AddError records a failure. A nil err is ignored.
func (s *Summary) AddError(collection, id string, err error) {
	if err == nil {
		return
	}
	s.Errors = append(s.Errors, ErrorEntry{Collection: collection, ID: id, Message: err.Error()})
}

// TotalRemoved sums every removed count.
func (s Summary) TotalRemoved() int {
	return total(s.Removed)
}

// TotalPreview sums every preview count.
func (s Summary) TotalPreview() int {
	return total(s.Preview)
}

// Count returns the count for key in whichever mode the summary is in.
func (s Summary) Count(key string) int {
	if s.Preview != nil {
		return s.Preview[key]
	}
	return s.Removed[key]
}

// HasErrors reports whether anything failed.
func (s Summary) HasErrors() bool {
	return len(s.Errors) > 0
}

// Merge combines two summaries. Counts are summed key by key, errors are
// concatenated. Neither input is modified.
//
// Merge is associative, and commutative up to the order of Errors, so
// sub-summaries can be folded in whatever order their jobs finish.
func Merge(a, b Summary) Summary {
	return Summary{
		Removed:   mergeCounts(a.Removed, b.Removed),
		Preview:   mergeCounts(a.Preview, b.Preview),
		Auxiliary: mergeCounts(a.Auxiliary, b.Auxiliary),
		Errors:    append(append([]ErrorEntry(nil), a.Errors...), b.Errors...),
	}
}

// Fold merges summaries left to right.
func Fold(summaries ...Summary) Summary {
	var out Summary
	for _, s := range summaries {
		out = Merge(out, s)
	}
	return out
}

// SortErrors orders errors by collection then id, for stable output.
func (s *Summary) SortErrors() {
	sort.SliceStable(s.Errors, func(i, j int) bool {
		if s.Errors[i].Collection != s.Errors[j].Collection {
			return s.Errors[i].Collection < s.Errors[j].Collection
		}
		return s.Errors[i].ID < s.Errors[j].ID
	})
}

func mergeCounts(a, b map[string]int) map[string]int {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]int, len(a)+len(b))
	for k, v := range a {
		out[k] += v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

func total(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

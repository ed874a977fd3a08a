package docstore

import (
	"fmt"
	"strings"
)

// Operator is a comparison in a Condition.
type Operator int

const (
	// OpEq matches when any value resolved at the path equals Value.
	OpEq Operator = iota
	// OpIn matches when any value resolved at the path is one of Values.
	OpIn
	// OpGt matches when a string value at the path sorts after Value.
	OpGt
	// OpExists matches when the path resolves to at least one value.
	OpExists
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpIn:
		return "in"
	case OpGt:
		return "gt"
	case OpExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Condition is a single predicate on a dotted path. Paths traverse arrays
// the way document stores do: "entries.memberId" resolves to the memberId
// of every element of entries.
type Condition struct {
	Path   string
	Op     Operator
	Value  any
	Values []any
}

// Eq builds an equality condition.
func Eq(path string, value any) Condition {
	return Condition{Path: path, Op: OpEq, Value: value}
}

// In builds a set membership condition over string ids.
func In(path string, values ...string) Condition {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Condition{Path: path, Op: OpIn, Values: vs}
}

// Gt builds a strict lexical lower bound condition.
func Gt(path string, value string) Condition {
	return Condition{Path: path, Op: OpGt, Value: value}
}

// Exists builds a field existence condition.
func Exists(path string) Condition {
	return Condition{Path: path, Op: OpExists}
}

func (c Condition) String() string {
	switch c.Op {
	case OpIn:
		return fmt.Sprintf("%s in %v", c.Path, c.Values)
	case OpExists:
		return c.Path + " exists"
	default:
		return fmt.Sprintf("%s %s %v", c.Path, c.Op, c.Value)
	}
}

// Filter combines conditions. A document matches when it satisfies every
// condition in All and, if Any is non-empty, at least one condition in Any.
type Filter struct {
	All []Condition
	Any []Condition
}

// Where returns a filter requiring all conditions.
func Where(conds ...Condition) Filter {
	return Filter{All: conds}
}

// AnyOf returns a filter requiring at least one condition.
func AnyOf(conds ...Condition) Filter {
	return Filter{Any: conds}
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return len(f.All) == 0 && len(f.Any) == 0
}

// Matches evaluates the filter against a document in memory.
func (f Filter) Matches(doc Document) bool {
	for _, c := range f.All {
		if !c.Matches(doc) {
			return false
		}
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, c := range f.Any {
		if c.Matches(doc) {
			return true
		}
	}
	return false
}

// Matches evaluates a single condition against a document in memory.
func (c Condition) Matches(doc Document) bool {
	values := Resolve(doc, c.Path)
	switch c.Op {
	case OpExists:
		return len(values) > 0
	case OpEq:
		for _, v := range values {
			if valuesEqual(v, c.Value) {
				return true
			}
		}
	case OpIn:
		for _, v := range values {
			for _, want := range c.Values {
				if valuesEqual(v, want) {
					return true
				}
			}
		}
	case OpGt:
		bound, _ := c.Value.(string)
		for _, v := range values {
			if s, ok := v.(string); ok && s > bound {
				return true
			}
		}
	}
	return false
}

// Resolve returns every value reachable at a dotted path. Arrays met along
// the way, and at the end, are flattened.
func Resolve(doc Document, path string) []any {
	if doc == nil || path == "" {
		return nil
	}
	return resolve(map[string]any(doc), strings.Split(path, "."))
}

func resolve(v any, segments []string) []any {
	if len(segments) == 0 {
		switch val := v.(type) {
		case []any:
			return val
		case []string:
			out := make([]any, len(val))
			for i, s := range val {
				out[i] = s
			}
			return out
		case nil:
			return nil
		default:
			return []any{val}
		}
	}

	switch val := v.(type) {
	case map[string]any:
		next, ok := val[segments[0]]
		if !ok {
			return nil
		}
		return resolve(next, segments[1:])
	case Document:
		return resolve(map[string]any(val), segments)
	case []any:
		var out []any
		for _, elem := range val {
			out = append(out, resolve(elem, segments)...)
		}
		return out
	default:
		return nil
	}
}

// ResolveIDs returns the non-empty string values at a path.
func ResolveIDs(doc Document, path string) []string {
	values := Resolve(doc, path)
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// Entries returns the elements of the array at path that are sub-objects.
func Entries(doc Document, path string) []map[string]any {
	raw := lookup(map[string]any(doc), strings.Split(path, "."))
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, elem := range list {
		switch e := elem.(type) {
		case map[string]any:
			out = append(out, e)
		case Document:
			out = append(out, map[string]any(e))
		}
	}
	return out
}

// Lookup returns the raw value at a dotted path without array traversal.
func Lookup(doc Document, path string) (any, bool) {
	v := lookup(map[string]any(doc), strings.Split(path, "."))
	return v, v != nil
}

func lookup(m map[string]any, segments []string) any {
	var cur any = m
	for _, seg := range segments {
		switch val := cur.(type) {
		case map[string]any:
			cur = val[seg]
		case Document:
			cur = val[seg]
		default:
			return nil
		}
	}
	return cur
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Number converts a numeric document value to float64. Non-numeric values
// yield false.
func Number(v any) (float64, bool) {
	return toFloat(v)
}

package docstore

import (
	"reflect"
	"testing"
)

func TestResolveTraversesArrays(t *testing.T) {
	doc := Document{
		"_id": "lb1",
		"entries": []any{
			map[string]any{"memberId": "m1", "score": 10},
			map[string]any{"memberId": "m2", "score": 7},
			map[string]any{"score": 3},
		},
		"memberIds": []any{"a", "", "b"},
	}

	got := ResolveIDs(doc, "entries.memberId")
	if !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Fatalf("entries.memberId = %v", got)
	}

	got = ResolveIDs(doc, "memberIds")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("memberIds = %v", got)
	}

	if got := ResolveIDs(doc, "missing.path"); len(got) != 0 {
		t.Fatalf("missing path resolved to %v", got)
	}
}

func TestResolveStringSlice(t *testing.T) {
	doc := Document{"ids": []string{"x", "y"}}
	got := ResolveIDs(doc, "ids")
	if !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("ids = %v", got)
	}
}

func TestEntriesDoesNotTraverse(t *testing.T) {
	doc := Document{
		"entries": []any{
			map[string]any{"memberId": "m1"},
			"junk",
			Document{"memberId": "m2"},
		},
	}
	entries := Entries(doc, "entries")
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[1]["memberId"] != "m2" {
		t.Errorf("entries[1] = %v", entries[1])
	}
	if Entries(doc, "nope") != nil {
		t.Error("expected nil for missing array")
	}
}

func TestFilterMatches(t *testing.T) {
	doc := Document{
		"_id":      "r5",
		"memberId": "m1",
		"count":    int64(3),
		"tags":     []any{"vip", "new"},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero", Filter{}, true},
		{"eq", Where(Eq("memberId", "m1")), true},
		{"eq miss", Where(Eq("memberId", "m2")), false},
		{"eq number", Where(Eq("count", 3)), true},
		{"in", Where(In("memberId", "m9", "m1")), true},
		{"in array", Where(In("tags", "vip")), true},
		{"gt", Where(Gt("_id", "r4")), true},
		{"gt equal", Where(Gt("_id", "r5")), false},
		{"exists", Where(Exists("tags")), true},
		{"exists miss", Where(Exists("other")), false},
		{"any", AnyOf(Eq("memberId", "x"), Eq("tags", "new")), true},
		{"any miss", AnyOf(Eq("memberId", "x"), Eq("tags", "old")), false},
		{"all and any", Filter{All: []Condition{Gt("_id", "r1")}, Any: []Condition{Eq("memberId", "m1")}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(doc); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDocumentCloneIsDeep(t *testing.T) {
	orig := Document{
		"_id":     "d1",
		"entries": []any{map[string]any{"memberId": "m1"}},
	}
	clone := orig.Clone()
	clone["entries"].([]any)[0].(map[string]any)["memberId"] = "changed"

	if got := orig["entries"].([]any)[0].(map[string]any)["memberId"]; got != "m1" {
		t.Fatalf("original mutated: %v", got)
	}
	if clone.ID() != "d1" {
		t.Fatalf("clone id = %q", clone.ID())
	}
}

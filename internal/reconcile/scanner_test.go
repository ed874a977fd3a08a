package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/docstore/memory"
	"github.com/sornon/member-sub002/internal/registry"
)

func collect(t *testing.T, sc *Scan, limit int) []string {
	t.Helper()
	var all []string
	for ids, err := range sc.Pages(context.Background(), limit) {
		if err != nil {
			t.Fatalf("page error: %v", err)
		}
		if len(ids) > limit {
			t.Fatalf("page of %d exceeds limit %d", len(ids), limit)
		}
		all = append(all, ids...)
	}
	return all
}

func paginationFixture(s *memory.Store) {
	s.Insert("members", doc{"_id": "m1"}, doc{"_id": "m2"})
	s.Insert("reservations",
		doc{"_id": "a", "memberId": "m1"},
		doc{"_id": "b", "memberId": "gone1"},
		doc{"_id": "c", "memberId": "gone2"},
		doc{"_id": "d", "memberId": "m2"},
		doc{"_id": "e", "memberId": "gone1"},
		doc{"_id": "f", "memberId": "gone3"},
		doc{"_id": "g", "memberId": "m1"},
		doc{"_id": "h", "memberId": "gone4"},
	)
}

func TestPagesNoDoubleCounting(t *testing.T) {
	join, scan := newStores(paginationFixture)
	target := Target{Collection: "reservations", Paths: registry.Default().Paths("reservations")}
	want := []string{"b", "c", "e", "f", "h"}

	for name, store := range map[string]*memory.Store{"join": join, "fullscan": scan} {
		t.Run(name, func(t *testing.T) {
			e := newEngine(store)

			sc, err := e.Scanner().Open(context.Background(), target)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if sc.Strategy() != name {
				t.Fatalf("strategy = %s, want %s", sc.Strategy(), name)
			}

			small := collect(t, sc, 2)
			if !reflect.DeepEqual(small, want) {
				t.Errorf("batchSize=2 ids = %v, want %v", small, want)
			}
			big := collect(t, sc, 10)
			if !reflect.DeepEqual(big, want) {
				t.Errorf("batchSize=10 ids = %v, want %v", big, want)
			}
		})
	}
}

func TestScanPageCursor(t *testing.T) {
	join, _ := newStores(paginationFixture)
	e := newEngine(join)
	target := Target{Collection: "reservations", Paths: registry.Default().Paths("reservations")}

	page, err := e.Scanner().Scan(context.Background(), target, "", 2)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !reflect.DeepEqual(page.IDs, []string{"b", "c"}) || page.NextCursor != "c" || page.Done {
		t.Fatalf("first page = %+v", page)
	}

	page, err = e.Scanner().Scan(context.Background(), target, "e", 2)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !reflect.DeepEqual(page.IDs, []string{"f", "h"}) {
		t.Fatalf("page after e = %+v", page)
	}

	page, _ = e.Scanner().Scan(context.Background(), target, "h", 2)
	if len(page.IDs) != 0 || page.NextCursor != "h" || !page.Done {
		t.Fatalf("last page = %+v", page)
	}
}

func TestFallbackEquivalence(t *testing.T) {
	join, scan := newStores(richFixture)
	je, se := newEngine(join), newEngine(scan)
	reg := registry.Default()

	for _, c := range reg.Collections() {
		target := Target{Collection: c.Name, Paths: c.Paths, Entries: c.PrunesEntries()}
		jsc, err := je.Scanner().Open(context.Background(), target)
		if err != nil {
			t.Fatalf("%s: Open join: %v", c.Name, err)
		}
		ssc, err := se.Scanner().Open(context.Background(), target)
		if err != nil {
			t.Fatalf("%s: Open fullscan: %v", c.Name, err)
		}
		if jsc.Strategy() != StrategyJoin || ssc.Strategy() != StrategyFullScan {
			t.Fatalf("strategies = %s/%s", jsc.Strategy(), ssc.Strategy())
		}

		jids, sids := collect(t, jsc, 2), collect(t, ssc, 2)
		if !reflect.DeepEqual(jids, sids) {
			t.Errorf("%s: join %v != fullscan %v", c.Name, jids, sids)
		}
	}
}

func TestMultiPathUnionDedupes(t *testing.T) {
	join, scan := newStores(richFixture)
	for _, store := range []*memory.Store{join, scan} {
		e := newEngine(store)
		sc, err := e.Scanner().Open(context.Background(), Target{Collection: "mentorships", Paths: registry.Default().Paths("mentorships")})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		got := collect(t, sc, 10)
		if !reflect.DeepEqual(got, []string{"ms2", "ms3"}) {
			t.Errorf("%s: mentorships orphans = %v", sc.Strategy(), got)
		}
	}
}

func TestProbeDemotesOnceAndCaches(t *testing.T) {
	_, scan := newStores(richFixture)
	metrics := &fakeMetrics{}
	e := newEngine(scan, WithMetrics(metrics))
	reg := registry.Default()

	for _, name := range []string{"reservations", "walletTransactions"} {
		sc, err := e.Scanner().Open(context.Background(), Target{Collection: name, Paths: reg.Paths(name)})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if sc.Strategy() != StrategyFullScan {
			t.Fatalf("strategy = %s", sc.Strategy())
		}
		collect(t, sc, 5)
	}

	if scan.JoinCalls() != 1 {
		t.Errorf("JoinCalls = %d, want 1 (probe only)", scan.JoinCalls())
	}
	if !reflect.DeepEqual(metrics.fallbacks, []string{"unavailable"}) {
		t.Errorf("fallbacks = %v", metrics.fallbacks)
	}
	if metrics.memberSet != 3 {
		t.Errorf("member set size = %d, want 3", metrics.memberSet)
	}
}

func TestJoinErrorFallsBackForThatScan(t *testing.T) {
	join, _ := newStores(richFixture)
	join.FailOn("join", "reservations", "", errors.New("aggregation timed out"))
	metrics := &fakeMetrics{}
	e := newEngine(join, WithMetrics(metrics))
	reg := registry.Default()

	sc, err := e.Scanner().Open(context.Background(), Target{Collection: "reservations", Paths: reg.Paths("reservations")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := collect(t, sc, 10)
	if !reflect.DeepEqual(got, []string{"r2", "r4", "r6"}) {
		t.Errorf("reservations = %v", got)
	}
	if sc.Strategy() != StrategyFullScan {
		t.Errorf("scan strategy after failure = %s", sc.Strategy())
	}

	next, err := e.Scanner().Open(context.Background(), Target{Collection: "walletTransactions", Paths: reg.Paths("walletTransactions")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if next.Strategy() != StrategyJoin {
		t.Errorf("transient join failure demoted the process: %s", next.Strategy())
	}
	if !reflect.DeepEqual(metrics.fallbacks, []string{"join_error"}) {
		t.Errorf("fallbacks = %v", metrics.fallbacks)
	}
}

func TestForcedFullScan(t *testing.T) {
	join, _ := newStores(richFixture)
	e := newEngine(join, WithConfig(Config{Probe: ProbeFullScan}))
	sc, err := e.Scanner().Open(context.Background(), Target{Collection: "reservations", Paths: registry.Default().Paths("reservations")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sc.Strategy() != StrategyFullScan || join.JoinCalls() != 0 {
		t.Fatalf("strategy = %s, join calls = %d", sc.Strategy(), join.JoinCalls())
	}
}

func TestLiveLookup(t *testing.T) {
	join, scan := newStores(richFixture)
	for _, store := range []docstore.Store{join, scan} {
		e := newEngine(store)
		sc, err := e.Scanner().Open(context.Background(), Target{Collection: "leaderboards", Paths: registry.Default().Paths("leaderboards")})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		live, err := sc.Live(context.Background(), []string{"a", "x", "b", "a"})
		if err != nil {
			t.Fatalf("Live: %v", err)
		}
		var ids []string
		for id := range live {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if !reflect.DeepEqual(ids, []string{"a", "b"}) {
			t.Errorf("%s: live = %v", sc.Strategy(), ids)
		}
	}
}

func TestUnionSorted(t *testing.T) {
	got := unionSorted(3, []string{"c", "a"}, []string{"b", "a", "d"})
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unionSorted = %v", got)
	}
}

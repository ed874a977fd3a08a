package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/sornon/member-sub002/internal/docstore/memory"
)

var errRefresh = errors.New("refresh failed")

func membersFixture(ids ...string) func(*memory.Store) {
	return func(s *memory.Store) {
		for _, id := range ids {
			s.Insert("members", doc{"_id": id})
		}
	}
}

func sweepAll(t *testing.T, e *Engine, req SweepRequest) (SweepResult, int) {
	t.Helper()
	var res SweepResult
	for calls := 1; calls <= 1000; calls++ {
		var err error
		res, err = e.SweepRefresh(context.Background(), req)
		if err != nil {
			t.Fatalf("SweepRefresh: %v", err)
		}
		if !res.HasMore {
			return res, calls
		}
		req = res.Next(req)
	}
	t.Fatalf("sweep did not finish")
	return res, 0
}

func TestSweepVisitsEveryMemberOnce(t *testing.T) {
	ids := make([]string, 13)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%02d", i)
	}

	for _, batch := range []int{1, 3, 5, 13, 50} {
		for _, budget := range []int64{1, 2, 5, 60_000} {
			t.Run(fmt.Sprintf("batch=%d/budget=%dms", batch, budget), func(t *testing.T) {
				store, _ := newStores(membersFixture(ids...))
				refresher := &recordingRefresher{}
				clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
				e := newEngine(store, WithRefresher(refresher), WithClock(clock.Now))

				res, _ := sweepAll(t, e, SweepRequest{BatchSize: batch, MaxDurationMs: budget})

				if !reflect.DeepEqual(refresher.seen, ids) {
					t.Fatalf("visited %v, want %v", refresher.seen, ids)
				}
				if res.Processed != len(ids) {
					t.Errorf("processed total = %d, want %d", res.Processed, len(ids))
				}
				if res.Cursor != ids[len(ids)-1] || res.Remaining != 0 {
					t.Errorf("final cursor = %q remaining = %d", res.Cursor, res.Remaining)
				}
			})
		}
	}
}

func TestSweepAlwaysMakesProgress(t *testing.T) {
	store, _ := newStores(membersFixture("a", "b", "c", "d"))
	refresher := &recordingRefresher{}
	clock := &stepClock{t: time.Unix(0, 0), step: time.Hour}
	e := newEngine(store, WithRefresher(refresher), WithClock(clock.Now))

	res, calls := sweepAll(t, e, SweepRequest{BatchSize: 10, MaxDurationMs: 1})
	if calls != 4 {
		t.Errorf("calls = %d, want one member per call", calls)
	}
	if res.Processed != 4 || len(refresher.seen) != 4 {
		t.Errorf("processed = %d, seen = %v", res.Processed, refresher.seen)
	}
}

func TestSweepTotals(t *testing.T) {
	store, _ := newStores(membersFixture("a", "bb", "ccc", "dd", "e"))
	refresher := &recordingRefresher{fail: map[string]bool{"ccc": true}}
	e := newEngine(store, WithRefresher(refresher))
	ctx := context.Background()
	req := SweepRequest{BatchSize: 2}

	res, err := e.SweepRefresh(ctx, req)
	if err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}
	if res.Cursor != "bb" || !res.HasMore || res.Processed != 2 || res.Refreshed != 1 || res.Remaining != 3 {
		t.Fatalf("first step = %+v", res)
	}

	req = res.Next(req)
	if req.BatchSize != 2 || req.Cursor != "bb" || req.ProcessedTotal != 2 {
		t.Fatalf("next request = %+v", req)
	}
	res, err = e.SweepRefresh(ctx, req)
	if err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}
	if res.Processed != 4 || res.Refreshed != 2 || res.Failed != 1 || res.Remaining != 1 {
		t.Fatalf("second step = %+v", res)
	}
	if res.Batch != (SweepBatch{Processed: 2, Refreshed: 1, Failed: 1}) {
		t.Errorf("batch = %+v", res.Batch)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "ccc" || res.Errors[0].Message != errRefresh.Error() {
		t.Errorf("errors = %+v", res.Errors)
	}

	res, err = e.SweepRefresh(ctx, res.Next(req))
	if err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}
	if res.HasMore || res.Processed != 5 || res.Cursor != "e" || res.Remaining != 0 {
		t.Fatalf("last step = %+v", res)
	}
}

func TestSweepEmptyPopulation(t *testing.T) {
	store, _ := newStores(membersFixture())
	e := newEngine(store, WithRefresher(&recordingRefresher{}))

	res, err := e.SweepRefresh(context.Background(), SweepRequest{})
	if err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}
	if res.HasMore || res.Processed != 0 || res.Cursor != "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSweepNewMembersBehindCursorAreSkipped(t *testing.T) {
	store, _ := newStores(membersFixture("b", "c", "d"))
	refresher := &recordingRefresher{}
	e := newEngine(store, WithRefresher(refresher))
	ctx := context.Background()

	req := SweepRequest{BatchSize: 2}
	res, err := e.SweepRefresh(ctx, req)
	if err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}
	store.Insert("members", doc{"_id": "a"}, doc{"_id": "e"})
	if _, err := e.SweepRefresh(ctx, res.Next(req)); err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}

	seen := append([]string(nil), refresher.seen...)
	sort.Strings(seen)
	if !reflect.DeepEqual(seen, []string{"b", "c", "d", "e"}) {
		t.Fatalf("seen = %v", seen)
	}
}

func TestSweepErrors(t *testing.T) {
	store, _ := newStores(membersFixture("a", "b"))

	if _, err := newEngine(store).SweepRefresh(context.Background(), SweepRequest{}); !errors.Is(err, ErrNoRefresher) {
		t.Fatalf("err = %v, want ErrNoRefresher", err)
	}

	e := newEngine(store, WithRefresher(&recordingRefresher{}))
	store.FailOn("count", "members", "", errors.New("timeout"))
	res, err := e.SweepRefresh(context.Background(), SweepRequest{})
	if err != nil {
		t.Fatalf("SweepRefresh: %v", err)
	}
	if res.Remaining != -1 || res.Processed != 2 {
		t.Errorf("result = %+v", res)
	}

	store.FailOn("query", "members", "", errors.New("no primary"))
	req := SweepRequest{Cursor: "a", ProcessedTotal: 7, RefreshedTotal: 5, FailedTotal: 1}
	res, err = e.SweepRefresh(context.Background(), req)
	if err == nil {
		t.Fatal("expected listing failure to be returned")
	}
	want := SweepResult{Cursor: "a", HasMore: true, Processed: 7, Refreshed: 5, Failed: 1, Remaining: -1}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if next := res.Next(req); next != req {
		t.Errorf("next request = %+v, want %+v", next, req)
	}
}

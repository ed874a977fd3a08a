package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sornon/member-sub002/internal/docstore"
	"github.com/sornon/member-sub002/internal/docstore/memory"
	"github.com/sornon/member-sub002/internal/logging"
	"github.com/sornon/member-sub002/internal/registry"
)

type doc = docstore.Document

// newStores returns a join-capable and a join-less store loaded with the
// same fixture.
func newStores(load func(*memory.Store)) (join, scan *memory.Store) {
	join = memory.New()
	scan = memory.New(memory.WithoutJoin())
	load(join)
	load(scan)
	return join, scan
}

func newEngine(store docstore.Store, opts ...Option) *Engine {
	base := []Option{
		WithLogger(logging.Discard()),
		WithConfig(Config{ScanPageSize: 3}),
	}
	return New(store, registry.Default(), append(base, opts...)...)
}

// richFixture has orphans in most default collections. Members a, b and
// d are live; x and y are gone.
func richFixture(s *memory.Store) {
	s.Insert("members", doc{"_id": "a"}, doc{"_id": "b"}, doc{"_id": "d"})
	s.Insert("reservations",
		doc{"_id": "r1", "memberId": "a"},
		doc{"_id": "r2", "memberId": "x"},
		doc{"_id": "r3", "memberId": "b"},
		doc{"_id": "r4", "memberId": "y"},
		doc{"_id": "r5"},
		doc{"_id": "r6", "memberId": "x"},
	)
	s.Insert("walletTransactions",
		doc{"_id": "w1", "memberId": "x", "amount": 5},
		doc{"_id": "w2", "memberId": "d", "amount": 1},
	)
	s.Insert("mentorships",
		doc{"_id": "ms1", "mentorId": "a", "menteeId": "b"},
		doc{"_id": "ms2", "mentorId": "a", "menteeId": "x"},
		doc{"_id": "ms3", "mentorId": "y", "menteeId": "x"},
	)
	s.Insert("memberExtras",
		doc{"_id": "a", "avatarUnlocks": []any{"u1"}},
		doc{"_id": "x", "avatarUnlocks": []any{"u1", "u2"}, "titleUnlocks": []any{"t1"}},
	)
	s.Insert("teamRosters",
		doc{"_id": "t1", "memberIds": []any{"a", "x", "y"}},
		doc{"_id": "t2", "memberIds": []any{"b"}},
	)
	s.Insert("leaderboards",
		doc{"_id": "l1", "entries": []any{
			map[string]any{"memberId": "a", "score": 9},
			map[string]any{"memberId": "x", "score": 7},
			map[string]any{"memberId": "y", "score": 3},
		}},
		doc{"_id": "l2", "entries": []any{map[string]any{"memberId": "b", "score": 1}}},
	)
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type recordingRefresher struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (r *recordingRefresher) Refresh(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, id)
	if r.fail[id] {
		return false, errRefresh
	}
	return len(id)%2 == 0, nil
}

type fakeMetrics struct {
	nopMetrics
	mu        sync.Mutex
	fallbacks []string
	memberSet int
}

func (m *fakeMetrics) RecordFallback(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, reason)
}

func (m *fakeMetrics) SetMemberSetSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberSet = n
}

type captureSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *captureSink) Archive(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

// Package notify announces that a shared counter changed because a
// cascading delete removed records other members can see.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sornon/member-sub002/internal/docstore"
)

// CounterEvent says that removing a member's records changed a counter.
type CounterEvent struct {
	Counter    string    `json:"counter"`
	MemberID   string    `json:"memberId"`
	Collection string    `json:"collection"`
	Removed    int       `json:"removed"`
	RunID      string    `json:"runId,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier publishes counter events.
type Notifier interface {
	CounterChanged(ctx context.Context, ev CounterEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) CounterChanged(context.Context, CounterEvent) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) CounterChanged(ctx context.Context, ev CounterEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.CounterChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultCounterCollection holds one version document per counter.
const DefaultCounterCollection = "counterVersions"

// StoreNotifier bumps a version document per counter so readers polling
// the store see that cached counts are stale.
type StoreNotifier struct {
	store      docstore.Store
	collection string
	now        func() time.Time

	mu sync.Mutex
}

// NewStoreNotifier creates a StoreNotifier writing to collection.
func NewStoreNotifier(store docstore.Store, collection string) *StoreNotifier {
	if collection == "" {
		collection = DefaultCounterCollection
	}
	return &StoreNotifier{store: store, collection: collection, now: time.Now}
}

// CounterChanged increments counterVersions/<counter>. Increments from one
// process are serialized. Concurrent processes may lose an increment,
// which only delays a refresh.
func (n *StoreNotifier) CounterChanged(ctx context.Context, ev CounterEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var version float64
	doc, err := n.store.GetByID(ctx, n.collection, ev.Counter)
	switch {
	case err == nil:
		version, _ = docstore.Number(doc["version"])
	case docstore.IsNotFound(err):
	default:
		return err
	}

	return n.store.Upsert(ctx, n.collection, docstore.Document{
		docstore.IDField: ev.Counter,
		"version":        int64(version) + 1,
		"lastMemberId":   ev.MemberID,
		"lastCollection": ev.Collection,
		"updatedAt":      n.now().UTC().Format(time.RFC3339Nano),
	})
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []CounterEvent
	Err    error
}

func (r *Recorder) CounterChanged(_ context.Context, ev CounterEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []CounterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CounterEvent(nil), r.events...)
}

var (
	_ Notifier = Nop{}
	_ Notifier = Multi(nil)
	_ Notifier = (*StoreNotifier)(nil)
	_ Notifier = (*Recorder)(nil)
)

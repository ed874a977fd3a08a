// Package checkpoint persists the cursor and running totals of named
// sweeps so a sweep survives restarts and can be driven by any process.
//
// Every save is a compare-and-set on the metadata store. Two processes
// stepping the same sweep cannot both win: the loser gets
// ErrConcurrentSweep and its step result is discarded, so no member range
// is counted twice in the totals.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sornon/member-sub002/internal/metadata"
	"github.com/sornon/member-sub002/internal/metadata/keys"
	"github.com/sornon/member-sub002/internal/reconcile"
)

// ErrConcurrentSweep is returned when another process saved the sweep
// between this process's load and save.
var ErrConcurrentSweep = errors.New("checkpoint: sweep advanced concurrently")

// State is the persisted position of one sweep.
type State struct {
	Name           string `json:"name"`
	Cursor         string `json:"cursor"`
	BatchSize      int    `json:"batchSize,omitempty"`
	MaxDurationMs  int64  `json:"maxDurationMs,omitempty"`
	ProcessedTotal int    `json:"processedTotal"`
	RefreshedTotal int    `json:"refreshedTotal"`
	FailedTotal    int    `json:"failedTotal"`
	Remaining      int64  `json:"remaining"`

	// Cycles counts completed passes over the member collection.
	Cycles          int       `json:"cycles"`
	StartedAt       time.Time `json:"startedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastCompletedAt time.Time `json:"lastCompletedAt,omitzero"`

	// Version is the metadata version the state was loaded at. Zero
	// means it has never been saved.
	Version metadata.Version `json:"-"`
}

// Request returns the sweep request that continues this state.
func (s State) Request() reconcile.SweepRequest {
	return reconcile.SweepRequest{
		Cursor:         s.Cursor,
		BatchSize:      s.BatchSize,
		MaxDurationMs:  s.MaxDurationMs,
		ProcessedTotal: s.ProcessedTotal,
		RefreshedTotal: s.RefreshedTotal,
		FailedTotal:    s.FailedTotal,
	}
}

// Advance applies a step result. A finished pass rewinds the cursor and
// totals so the next step starts a new cycle.
func (s State) Advance(res reconcile.SweepResult, now time.Time) State {
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.UpdatedAt = now
	s.Remaining = res.Remaining

	if res.HasMore {
		s.Cursor = res.Cursor
		s.ProcessedTotal = res.Processed
		s.RefreshedTotal = res.Refreshed
		s.FailedTotal = res.Failed
		return s
	}

	s.Cycles++
	s.LastCompletedAt = now
	s.Cursor = ""
	s.ProcessedTotal, s.RefreshedTotal, s.FailedTotal = 0, 0, 0
	s.StartedAt = time.Time{}
	return s
}

// Store reads and writes sweep states.
type Store struct {
	meta metadata.MetadataStore
}

// NewStore creates a Store on a metadata store.
func NewStore(meta metadata.MetadataStore) *Store {
	return &Store{meta: meta}
}

// Load returns the saved state of a sweep, or a fresh state with version
// zero when it has never run.
func (s *Store) Load(ctx context.Context, name string) (State, error) {
	if err := keys.ValidateName(name); err != nil {
		return State{}, fmt.Errorf("checkpoint: sweep %q: %w", name, err)
	}
	res, err := s.meta.Get(ctx, keys.SweepKeyPath(name))
	if err != nil {
		return State{}, fmt.Errorf("checkpoint: load %s: %w", name, err)
	}
	if !res.Exists {
		return State{Name: name}, nil
	}
	return decode(name, res.Value, res.Version)
}

func decode(name string, value []byte, version metadata.Version) (State, error) {
	var st State
	if err := json.Unmarshal(value, &st); err != nil {
		return State{}, fmt.Errorf("checkpoint: decode %s: %w", name, err)
	}
	st.Name = name
	st.Version = version
	return st, nil
}

// Save writes st if nobody saved the sweep since it was loaded, and
// returns it with its new version.
func (s *Store) Save(ctx context.Context, st State) (State, error) {
	if err := keys.ValidateName(st.Name); err != nil {
		return st, fmt.Errorf("checkpoint: sweep %q: %w", st.Name, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return st, fmt.Errorf("checkpoint: encode %s: %w", st.Name, err)
	}
	v, err := s.meta.Put(ctx, keys.SweepKeyPath(st.Name), data, metadata.WithExpectedVersion(st.Version))
	if errors.Is(err, metadata.ErrVersionMismatch) {
		return st, ErrConcurrentSweep
	}
	if err != nil {
		return st, fmt.Errorf("checkpoint: save %s: %w", st.Name, err)
	}
	st.Version = v
	return st, nil
}

// Reset forgets a sweep so its next step starts from the beginning.
func (s *Store) Reset(ctx context.Context, name string) error {
	if err := keys.ValidateName(name); err != nil {
		return fmt.Errorf("checkpoint: sweep %q: %w", name, err)
	}
	return s.meta.Delete(ctx, keys.SweepKeyPath(name))
}

// List returns every saved sweep in name order.
func (s *Store) List(ctx context.Context) ([]State, error) {
	kvs, err := s.meta.List(ctx, keys.SweepsListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	states := make([]State, 0, len(kvs))
	for _, kv := range kvs {
		name, err := keys.ParseSweepKey(kv.Key)
		if err != nil {
			continue
		}
		st, err := decode(name, kv.Value, kv.Version)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// Sweeper runs one sweep step.
type Sweeper interface {
	SweepRefresh(ctx context.Context, req reconcile.SweepRequest) (reconcile.SweepResult, error)
}

// Step loads a sweep, runs one step and saves the new position. Options
// left at zero keep the values saved with the sweep.
func (s *Store) Step(ctx context.Context, sweeper Sweeper, name string, batchSize int, maxDurationMs int64) (State, reconcile.SweepResult, error) {
	st, err := s.Load(ctx, name)
	if err != nil {
		return State{}, reconcile.SweepResult{}, err
	}
	if batchSize > 0 {
		st.BatchSize = batchSize
	}
	if maxDurationMs > 0 {
		st.MaxDurationMs = maxDurationMs
	}

	res, err := sweeper.SweepRefresh(ctx, st.Request())
	if err != nil {
		return st, res, err
	}
	next, err := s.Save(ctx, st.Advance(res, time.Now().UTC()))
	if err != nil {
		return st, res, err
	}
	return next, res, nil
}

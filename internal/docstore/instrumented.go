package docstore

import (
	"context"
	"errors"
	"time"
)

// MetricsRecorder is the interface for recording document store operation
// metrics. This keeps the docstore package decoupled from the metrics package.
type MetricsRecorder interface {
	RecordOperation(op, collection string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
// A NotFound result counts as a successful call.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore creates an instrumented wrapper around a Store.
// If metrics is nil, operations pass through directly.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op, collection string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	ok := err == nil || errors.Is(err, ErrNotFound)
	s.metrics.RecordOperation(op, collection, time.Since(start).Seconds(), ok)
}

// GetByID returns a document by id.
func (s *InstrumentedStore) GetByID(ctx context.Context, collection, id string) (Document, error) {
	start := time.Now()
	doc, err := s.store.GetByID(ctx, collection, id)
	s.record("get", collection, start, err)
	return doc, err
}

// DeleteByID removes a document.
func (s *InstrumentedStore) DeleteByID(ctx context.Context, collection, id string) (int, error) {
	start := time.Now()
	n, err := s.store.DeleteByID(ctx, collection, id)
	s.record("delete", collection, start, err)
	return n, err
}

// UpdateByID merges fields into a document.
func (s *InstrumentedStore) UpdateByID(ctx context.Context, collection, id string, fields Document) error {
	start := time.Now()
	err := s.store.UpdateByID(ctx, collection, id, fields)
	s.record("update", collection, start, err)
	return err
}

// Upsert replaces or creates a document.
func (s *InstrumentedStore) Upsert(ctx context.Context, collection string, doc Document) error {
	start := time.Now()
	err := s.store.Upsert(ctx, collection, doc)
	s.record("upsert", collection, start, err)
	return err
}

// Query returns matching documents.
func (s *InstrumentedStore) Query(ctx context.Context, collection string, opts QueryOptions) ([]Document, error) {
	start := time.Now()
	docs, err := s.store.Query(ctx, collection, opts)
	s.record("query", collection, start, err)
	return docs, err
}

// Count returns the number of matching documents.
func (s *InstrumentedStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	start := time.Now()
	n, err := s.store.Count(ctx, collection, filter)
	s.record("count", collection, start, err)
	return n, err
}

// JoinOnMissing forwards to the wrapped store when it is a Joiner.
func (s *InstrumentedStore) JoinOnMissing(ctx context.Context, req JoinRequest) ([]string, error) {
	joiner, ok := s.store.(Joiner)
	if !ok {
		return nil, ErrCapabilityUnavailable
	}
	start := time.Now()
	ids, err := joiner.JoinOnMissing(ctx, req)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		s.record("join", req.Collection, start, err)
	}
	return ids, err
}

// Close releases resources held by the store.
func (s *InstrumentedStore) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}

// Ensure InstrumentedStore implements Store and Joiner.
var (
	_ Store  = (*InstrumentedStore)(nil)
	_ Joiner = (*InstrumentedStore)(nil)
)

// Package memory implements docstore.Store in process memory.
//
// It backs tests and the `--store memory` mode of the CLI. Semantics follow
// the document store contract closely, including array traversal in
// filters and the optional anti-join capability, which can be switched off
// to exercise the full-scan fallback.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sornon/member-sub002/internal/docstore"
)

// Store is an in-memory docstore.Store and docstore.Joiner.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Document
	closed      bool

	joinSupported bool
	joinCalls     int
	updates       map[string]int
	failures      []failure
}

type failure struct {
	op         string
	collection string
	id         string
	err        error
}

// Option configures a Store.
type Option func(*Store)

// WithoutJoin disables the anti-join capability so JoinOnMissing returns
// docstore.ErrCapabilityUnavailable.
func WithoutJoin() Option {
	return func(s *Store) {
		s.joinSupported = false
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		collections:   make(map[string]map[string]docstore.Document),
		joinSupported: true,
		updates:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert stores copies of docs, replacing documents with the same id.
func (s *Store) Insert(collection string, docs ...docstore.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collection(collection)
	for _, d := range docs {
		coll[d.ID()] = d.Clone()
	}
}

// Docs returns copies of every document in a collection, sorted by id.
func (s *Store) Docs(collection string) []docstore.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.collections[collection]
	out := make([]docstore.Document, 0, len(coll))
	for _, id := range sortedIDs(coll) {
		out = append(out, coll[id].Clone())
	}
	return out
}

// Has reports whether a document exists.
func (s *Store) Has(collection, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[collection][id]
	return ok
}

// UpdateCount returns how many successful UpdateByID calls targeted a document.
func (s *Store) UpdateCount(collection, id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates[collection+"/"+id]
}

// JoinCalls returns how many times JoinOnMissing was called.
func (s *Store) JoinCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinCalls
}

// FailOn makes every matching operation return err. An empty collection or
// id matches anything. Ops are "get", "delete", "update", "upsert", "query",
// "count" and "join".
func (s *Store) FailOn(op, collection, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{op: op, collection: collection, id: id, err: err})
}

// ClearFailures removes all injected failures.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

func (s *Store) injected(op, collection, id string) error {
	for _, f := range s.failures {
		if f.op != op {
			continue
		}
		if f.collection != "" && f.collection != collection {
			continue
		}
		if f.id != "" && f.id != id {
			continue
		}
		return &docstore.StoreError{Op: op, Collection: collection, ID: id, Err: f.err}
	}
	return nil
}

func (s *Store) collection(name string) map[string]docstore.Document {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]docstore.Document)
		s.collections[name] = coll
	}
	return coll
}

func (s *Store) GetByID(_ context.Context, collection, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrStoreClosed
	}
	if err := s.injected("get", collection, id); err != nil {
		return nil, err
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *Store) DeleteByID(_ context.Context, collection, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, docstore.ErrStoreClosed
	}
	if err := s.injected("delete", collection, id); err != nil {
		return 0, err
	}
	coll := s.collections[collection]
	if _, ok := coll[id]; !ok {
		return 0, nil
	}
	delete(coll, id)
	return 1, nil
}

func (s *Store) UpdateByID(_ context.Context, collection, id string, fields docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrStoreClosed
	}
	if err := s.injected("update", collection, id); err != nil {
		return err
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return docstore.ErrNotFound
	}
	for k, v := range fields.Clone() {
		if k == docstore.IDField {
			continue
		}
		doc[k] = v
	}
	s.updates[collection+"/"+id]++
	return nil
}

func (s *Store) Upsert(_ context.Context, collection string, doc docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrStoreClosed
	}
	if err := s.injected("upsert", collection, doc.ID()); err != nil {
		return err
	}
	s.collection(collection)[doc.ID()] = doc.Clone()
	return nil
}

func (s *Store) Query(_ context.Context, collection string, opts docstore.QueryOptions) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrStoreClosed
	}
	if err := s.injected("query", collection, ""); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = docstore.DefaultPageSize
	}

	coll := s.collections[collection]
	var out []docstore.Document
	for _, id := range sortedIDs(coll) {
		if id <= opts.After {
			continue
		}
		doc := coll[id]
		if !opts.Filter.Matches(doc) {
			continue
		}
		out = append(out, project(doc, opts.Fields))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Count(_ context.Context, collection string, filter docstore.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, docstore.ErrStoreClosed
	}
	if err := s.injected("count", collection, ""); err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range s.collections[collection] {
		if filter.Matches(doc) {
			n++
		}
	}
	return n, nil
}

// JoinOnMissing implements docstore.Joiner.
func (s *Store) JoinOnMissing(_ context.Context, req docstore.JoinRequest) ([]string, error) {
	s.mu.Lock()
	s.joinCalls++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrStoreClosed
	}
	if !s.joinSupported {
		return nil, docstore.ErrCapabilityUnavailable
	}
	if err := s.injected("join", req.Collection, ""); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = docstore.DefaultPageSize
	}
	refs := s.collections[req.ReferenceCollection]
	live := func(id string) bool {
		_, ok := refs[id]
		return ok
	}

	coll := s.collections[req.Collection]
	var out []string
	for _, id := range sortedIDs(coll) {
		if id <= req.After {
			continue
		}
		if missing(coll[id], req, live) {
			out = append(out, id)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func missing(doc docstore.Document, req docstore.JoinRequest, live func(string) bool) bool {
	if req.Key != "" {
		for _, entry := range docstore.Entries(doc, req.Path) {
			id, _ := entry[req.Key].(string)
			if id != "" && !live(id) {
				return true
			}
		}
		return false
	}

	ids := docstore.ResolveIDs(doc, req.Path)
	if len(ids) == 0 {
		return false
	}
	if req.Entries {
		for _, id := range ids {
			if !live(id) {
				return true
			}
		}
		return false
	}
	for _, id := range ids {
		if live(id) {
			return false
		}
	}
	return true
}

func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func project(doc docstore.Document, fields []string) docstore.Document {
	if len(fields) == 0 {
		return doc.Clone()
	}
	out := docstore.Document{docstore.IDField: doc.ID()}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out.Clone()
}

func sortedIDs(coll map[string]docstore.Document) []string {
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ensure Store implements docstore.Store and docstore.Joiner.
var (
	_ docstore.Store  = (*Store)(nil)
	_ docstore.Joiner = (*Store)(nil)
)

// Package docstore defines the document store collaborator used by the
// reconciliation engine.
//
// The store is schema-less and has no foreign keys: every collection is a
// set of documents keyed by an opaque string "_id". Dependent records refer
// to members only by value, which is why orphans can exist at all.
//
// # Usage
//
//	store, err := mongo.New(ctx, mongo.Config{URI: uri, Database: "members"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close(ctx)
//
//	doc, err := store.GetByID(ctx, "reservations", "r1")
//	if errors.Is(err, docstore.ErrNotFound) {
//	    // Already gone.
//	}
//
// Implementations that can run a server-side anti-join additionally
// implement [Joiner]. Callers must probe for it and fall back to a client
// side scan when it is missing or returns [ErrCapabilityUnavailable].
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// IDField is the primary key field of every document.
const IDField = "_id"

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrCapabilityUnavailable is returned by optional capabilities the
	// backing store cannot serve (for example an aggregation stage that is
	// disabled on a managed tier).
	ErrCapabilityUnavailable = errors.New("docstore: capability unavailable")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("docstore: store closed")
)

// StoreError wraps a failed store call with the document it concerned.
// It is the transient error kind: callers record it and move on.
type StoreError struct {
	Op         string // Operation that failed (e.g., "delete", "query")
	Collection string
	ID         string // Empty for collection-level operations
	Err        error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("docstore: %s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("docstore: %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Document is a schema-less record.
type Document map[string]any

// ID returns the document's primary key, or "" if it has none.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Clone returns a deep copy of the document. Nested maps and slices are
// copied so callers can mutate the result freely.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(val)).(map[string]any))
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// QueryOptions configures a Query call.
//
// Results are always sorted by ascending "_id". Cursor pagination relies on
// that order: pass the last id of the previous page as After.
type QueryOptions struct {
	// Filter selects documents. The zero Filter matches everything.
	Filter Filter

	// After is an exclusive lower bound on "_id". Empty means from the start.
	After string

	// Limit caps the number of returned documents. Zero or negative means
	// the store's default page size.
	Limit int

	// Fields projects the result to the given top-level fields. "_id" is
	// always included. Empty means the whole document.
	Fields []string
}

// DefaultPageSize is used when QueryOptions.Limit is not positive.
const DefaultPageSize = 100

// Store is the interface for document store operations.
//
// All methods accept a context for cancellation and deadline propagation.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetByID returns a document by id, or ErrNotFound.
	GetByID(ctx context.Context, collection, id string) (Document, error)

	// DeleteByID removes a document and returns how many documents were
	// removed (0 or 1). Deleting a missing document is not an error.
	DeleteByID(ctx context.Context, collection, id string) (int, error)

	// UpdateByID merges the given top-level fields into an existing
	// document. Array fields are replaced wholesale. Returns ErrNotFound
	// when the document does not exist.
	UpdateByID(ctx context.Context, collection, id string, fields Document) error

	// Upsert replaces the document with the same id, creating it if needed.
	Upsert(ctx context.Context, collection string, doc Document) error

	// Query returns documents matching opts, sorted by ascending id.
	Query(ctx context.Context, collection string, opts QueryOptions) ([]Document, error)

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// Close releases resources held by the store.
	Close(ctx context.Context) error
}

// JoinRequest describes a server-side anti-join: documents of Collection
// whose reference at Path finds no match in ReferenceCollection.
type JoinRequest struct {
	Collection string

	// Path is the dotted path of the reference. For object lists it is the
	// array field and Key names the member id inside each entry.
	Path string
	Key  string

	// Entries makes a list reference qualify per element: the document
	// matches when any single entry is missing. Implied when Key is set.
	Entries bool

	ReferenceCollection string

	// After and Limit paginate the result by ascending "_id".
	After string
	Limit int
}

// Joiner is the optional anti-join capability.
//
// JoinOnMissing returns the ids (ascending, greater than After, at most
// Limit) of documents that carry at least one reference at the path and for
// which no referenced id exists. For list paths a document qualifies when
// none of its ids match, or with Entries set when any one of them matches
// nothing. For object lists it qualifies when at least one entry's key
// matches nothing.
type Joiner interface {
	JoinOnMissing(ctx context.Context, req JoinRequest) ([]string, error)
}

// PerEntry reports whether the request matches list entries individually.
func (r JoinRequest) PerEntry() bool {
	return r.Entries || r.Key != ""
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

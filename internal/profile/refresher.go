// Package profile maintains each member's derived profile: counters
// computed from the member's dependent records and stored in one document
// per member so readers do not have to aggregate on every request.
package profile

import (
	"context"
	"time"

	"github.com/sornon/member-sub002/internal/docstore"
)

// DefaultCollection holds derived profiles keyed by member id.
const DefaultCollection = "memberDerivedProfiles"

// Metric is one derived field.
type Metric struct {
	// Field is the output field in the derived profile.
	Field string
	// Collection and Path locate the member's records.
	Collection string
	Path       string
	// Sum names a numeric field to add up. Empty counts documents.
	Sum string
}

// DefaultMetrics are the derived fields of the membership platform.
func DefaultMetrics() []Metric {
	return []Metric{
		{Field: "reservationCount", Collection: "reservations", Path: "memberId"},
		{Field: "checkInCount", Collection: "checkIns", Path: "memberId"},
		{Field: "activityCount", Collection: "activityRegistrations", Path: "memberId"},
		{Field: "walletBalance", Collection: "walletTransactions", Path: "memberId", Sum: "amount"},
	}
}

// Config configures a Refresher.
type Config struct {
	Members    string
	Collection string
	Metrics    []Metric
	// PageSize bounds the documents read per query when summing.
	PageSize int
}

// Refresher recomputes derived profiles.
type Refresher struct {
	store  docstore.Store
	config Config
	now    func() time.Time
}

// NewRefresher creates a Refresher. Zero config fields take defaults.
func NewRefresher(store docstore.Store, cfg Config) *Refresher {
	if cfg.Members == "" {
		cfg.Members = "members"
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Metrics == nil {
		cfg.Metrics = DefaultMetrics()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = docstore.DefaultPageSize
	}
	return &Refresher{store: store, config: cfg, now: time.Now}
}

// Refresh recomputes one member's profile. It returns false without
// writing when the stored profile is already current or the member no
// longer exists.
func (r *Refresher) Refresh(ctx context.Context, memberID string) (bool, error) {
	if _, err := r.store.GetByID(ctx, r.config.Members, memberID); err != nil {
		if docstore.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	next := docstore.Document{docstore.IDField: memberID}
	for _, m := range r.config.Metrics {
		v, err := r.compute(ctx, m, memberID)
		if err != nil {
			return false, err
		}
		next[m.Field] = v
	}

	current, err := r.store.GetByID(ctx, r.config.Collection, memberID)
	if err != nil && !docstore.IsNotFound(err) {
		return false, err
	}
	if err == nil && r.unchanged(current, next) {
		return false, nil
	}

	next["refreshedAt"] = r.now().UTC().Format(time.RFC3339)
	if err := r.store.Upsert(ctx, r.config.Collection, next); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Refresher) compute(ctx context.Context, m Metric, memberID string) (any, error) {
	filter := docstore.Where(docstore.Eq(m.Path, memberID))
	if m.Sum == "" {
		return r.store.Count(ctx, m.Collection, filter)
	}

	var total float64
	after := ""
	for {
		page, err := r.store.Query(ctx, m.Collection, docstore.QueryOptions{
			Filter: filter,
			After:  after,
			Limit:  r.config.PageSize,
			Fields: []string{m.Sum},
		})
		if err != nil {
			return nil, err
		}
		for _, d := range page {
			if n, ok := docstore.Number(d[m.Sum]); ok {
				total += n
			}
		}
		if len(page) < r.config.PageSize {
			return total, nil
		}
		after = page[len(page)-1].ID()
	}
}

func (r *Refresher) unchanged(current, next docstore.Document) bool {
	for _, m := range r.config.Metrics {
		a, aok := docstore.Number(current[m.Field])
		b, bok := docstore.Number(next[m.Field])
		if !aok || !bok || a != b {
			return false
		}
	}
	return true
}

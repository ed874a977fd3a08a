package server

import (
	"context"
	"errors"

	"github.com/sornon/member-sub002/internal/metadata"
	"github.com/sornon/member-sub002/internal/metadata/keys"
	"github.com/sornon/member-sub002/internal/objectstore"
)

// healthCheckKey is read, never written, by the metadata check.
const healthCheckKey = keys.Prefix + "/health-check"

// MetadataStoreChecker checks the checkpoint store with a Get on a key that
// is never written.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a new MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string {
	return "checkpoint_store"
}

func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("checkpoint store not configured")
	}
	_, err := c.store.Get(ctx, healthCheckKey)
	return err
}

// ObjectStoreChecker checks the report bucket by listing a prefix that
// holds nothing. An empty listing means the bucket answered.
type ObjectStoreChecker struct {
	store  objectstore.Store
	prefix string
}

// NewObjectStoreChecker creates a new ObjectStoreChecker.
func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store, prefix: "reconcile-health-check/"}
}

func (c *ObjectStoreChecker) Name() string {
	return "report_store"
}

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("report store not configured")
	}
	_, err := c.store.List(ctx, c.prefix)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}

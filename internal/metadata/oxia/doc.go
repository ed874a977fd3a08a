// Package oxia implements the MetadataStore interface using Oxia.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "reconcile/prod",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	version, err := store.Put(ctx, keys.SweepKeyPath("profiles"), data)
//
// Versions:
//
// Oxia numbers versions from 0. The store shifts them by one so that
// version 0 keeps meaning "never written" across all MetadataStore
// implementations.
package oxia

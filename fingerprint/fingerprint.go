// Package fingerprint implements the Result Fingerprint Cache (spec.md
// §4.8): a thin abstraction over persistence keyed by
// (resourceId, settingsHash, resourceHash), shared by the validation
// pipeline (to skip redundant revalidation) and the API read path (which
// may also want the most recent result regardless of hash, for history
// views).
package fingerprint

import (
	"context"
	"fmt"

	"github.com/medvertical/fhir-validation-engine/cache"
	"github.com/medvertical/fhir-validation-engine/validation"
)

// Store is the persistence contract the fingerprint cache sits in front
// of. A concrete implementation lives in store.ResultRepository.
type Store interface {
	// Find returns the result stored for the exact (resourceId,
	// settingsHash, resourceHash) triple, or nil if none exists.
	Find(ctx context.Context, resourceID, settingsHash, resourceHash string) (*validation.Result, error)
	// Latest returns the most recently validated result for a resource
	// regardless of hash, used by history views. Nil if none exists.
	Latest(ctx context.Context, resourceID string) (*validation.Result, error)
	// Save persists a result, superseding nothing — results are
	// append-only.
	Save(ctx context.Context, result *validation.Result) error
}

// key identifies one cached lookup.
type key struct {
	resourceID   string
	settingsHash string
	resourceHash string
}

// Cache layers an in-memory LRU in front of Store so that repeated
// validation of an unchanged resource under an unchanged settings
// snapshot (the common re-run case) never reaches persistence.
type Cache struct {
	store Store
	hot   *cache.Cache[key, *validation.Result]
}

// New creates a fingerprint cache backed by store, with an in-memory LRU
// of the given capacity fronting it.
func New(store Store, capacity int) *Cache {
	return &Cache{
		store: store,
		hot:   cache.New[key, *validation.Result](capacity),
	}
}

// Lookup implements spec.md §4.8's lookup(resourceId, settingsHash,
// resourceHash) -> ValidationResult?. A hit in the hot LRU avoids the
// store entirely; a miss falls through to the store and, on a store hit,
// populates the LRU for next time.
func (c *Cache) Lookup(ctx context.Context, resourceID, settingsHash, resourceHash string) (*validation.Result, error) {
	k := key{resourceID: resourceID, settingsHash: settingsHash, resourceHash: resourceHash}
	if result, ok := c.hot.Get(k); ok {
		return result, nil
	}

	result, err := c.store.Find(ctx, resourceID, settingsHash, resourceHash)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	c.hot.Set(k, result)
	return result, nil
}

// Store persists result and primes the hot cache with it, so the very
// next lookup for the same (resourceId, settingsHash, resourceHash)
// triple hits in memory.
func (c *Cache) Store(ctx context.Context, result *validation.Result) error {
	if err := c.store.Save(ctx, result); err != nil {
		return fmt.Errorf("fingerprint store: %w", err)
	}

	c.hot.Set(key{
		resourceID:   result.ResourceRecordID,
		settingsHash: result.SettingsHash,
		resourceHash: result.ResourceHash,
	}, result)
	return nil
}

// Latest returns the most recent result for a resource regardless of
// hash, bypassing the hot cache since it is keyed on an exact hash
// triple rather than "most recent."
func (c *Cache) Latest(ctx context.Context, resourceID string) (*validation.Result, error) {
	result, err := c.store.Latest(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("fingerprint latest: %w", err)
	}
	return result, nil
}

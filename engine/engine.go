package engine

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/krisalay/doccache/expiration"
	"github.com/krisalay/doccache/types"
	"github.com/krisalay/doccache/writepolicy"
)

/*
CacheEngine is the policy layer of the document cache.
It is responsible for the "behavior" of the cache, NOT storage.

It decides:
- When an entry is expired
- How TTL is updated on reads and writes
- How documents are fetched on a miss
- How mutations reach the backing store
- How metrics are recorded

It does NOT:
- Hold documents
- Handle locking
- Decide eviction order
*/
type CacheEngine struct {

	// Expiration controls when an entry is too old to serve.
	// If this is nil, entries never expire.
	Expiration expiration.Strategy

	// Store is the backing document store, consulted on misses.
	Store types.Store

	// WritePolicy decides how mutations are pushed to Store.
	WritePolicy writepolicy.WritePolicy

	// Metrics records hits, misses, evictions and expirations.
	Metrics types.Metrics

	// Now is the engine's clock.
	Now func() time.Time

	// sf collapses concurrent fetches of the same query into one store call.
	sf singleflight.Group
}

// NewCacheEngine creates a CacheEngine.
func NewCacheEngine(
	exp expiration.Strategy,
	store types.Store,
	writePolicy writepolicy.WritePolicy,
	metrics types.Metrics,
) *CacheEngine {

	// Ensure metrics is always non-nil.
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}

	return &CacheEngine{
		Expiration:  exp,
		Store:       store,
		WritePolicy: writePolicy,
		Metrics:     metrics,
		Now:         time.Now,
	}
}

// IsExpired checks whether an entry is expired now.
func (e *CacheEngine) IsExpired(ent *types.CacheEntry) bool {
	return e.Expiration != nil &&
		e.Expiration.IsExpired(ent, e.Now())
}

// OnRead is called every time the cache serves an entry.
func (e *CacheEngine) OnRead(ent *types.CacheEntry) {
	if e.Expiration != nil {
		e.Expiration.OnAccess(ent, e.Now())
	}
}

// OnWrite is called whenever an entry is admitted or mutated.
func (e *CacheEngine) OnWrite(ent *types.CacheEntry) {
	if e.Expiration != nil {
		e.Expiration.OnWrite(ent, e.Now())
	} else if ent.CreatedAt.IsZero() {
		ent.CreatedAt = e.Now()
		ent.LastAccessedAt = ent.CreatedAt
	}
}

/*
Fetch is used when the cache does NOT have a matching document.

Concurrent fetches of the same collection and filter share one store call.
Every caller receives its own copy of the result.
*/
func (e *CacheEngine) Fetch(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	var v, err, _ = e.sf.Do(collection+"\x00"+filter.Key(), func() (any, error) {
		return e.Store.FindOne(ctx, collection, filter)
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(types.Document).Clone(), nil
}

// Persist hands a mutation to the write policy.
func (e *CacheEngine) Persist(ctx context.Context, w writepolicy.Write) (durable bool, err error) {
	return e.WritePolicy.OnWrite(ctx, w)
}

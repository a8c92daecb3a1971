package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/krisalay/doccache/types"
)

// IndexLoader computes the list value of an index key.
type IndexLoader func(ctx context.Context, key string) ([]string, error)

// IndexCache caches list-valued derived queries, such as the distinct
// values of a field. Entries are loaded on a miss and live for a TTL or
// until invalidated. Nothing is ever written back.
type IndexCache struct {
	cache  *lru.Cache
	ttl    time.Duration
	loader IndexLoader
	sf     singleflight.Group

	mu sync.Mutex
	// gen increases with every Invalidate. A load which spans an
	// Invalidate is served but not cached.
	gen uint64
}

type cachedIndex struct {
	values []string
	at     time.Time
}

// NewIndexCache returns an IndexCache of the given size (which must be > 0).
// A ttl of zero caches until eviction or invalidation.
func NewIndexCache(size int, ttl time.Duration, loader IndexLoader) *IndexCache {
	var cache, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &IndexCache{
		cache:  cache,
		ttl:    ttl,
		loader: loader,
	}
}

// Get returns the cached values of key, loading them on a miss. Concurrent
// misses of a key share one load.
func (ic *IndexCache) Get(ctx context.Context, key string) ([]string, error) {
	ic.mu.Lock()
	if v, ok := ic.cache.Get(key); ok {
		// If the TTL has elapsed, treat as a cache miss and remove.
		if ci := v.(cachedIndex); ic.ttl > 0 && ci.at.Add(ic.ttl).Before(timeNow()) {
			ic.cache.Remove(key)
		} else {
			ic.mu.Unlock()
			return append([]string(nil), ci.values...), nil
		}
	}
	var gen = ic.gen
	ic.mu.Unlock()

	var v, err, _ = ic.sf.Do(key, func() (any, error) {
		var values, err = ic.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		ic.mu.Lock()
		if ic.gen == gen {
			ic.cache.Add(key, cachedIndex{values: values, at: timeNow()})
		}
		ic.mu.Unlock()
		return values, nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading index %s", key)
	}
	return append([]string(nil), v.([]string)...), nil
}

// Invalidate drops key, so that the next Get loads it afresh.
func (ic *IndexCache) Invalidate(key string) {
	ic.mu.Lock()
	ic.gen++
	ic.cache.Remove(key)
	ic.mu.Unlock()

	ic.sf.Forget(key)
}

// Len returns the number of cached keys.
func (ic *IndexCache) Len() int { return ic.cache.Len() }

type distinctQuery struct {
	Collection string       `json:"c"`
	Field      string       `json:"f"`
	Filter     types.Filter `json:"q,omitempty"`
}

// DistinctKey returns the index key of the distinct values of field among
// documents of collection matching filter. See DistinctLoader.
func DistinctKey(collection, field string, filter types.Filter) string {
	var b, err = json.Marshal(distinctQuery{Collection: collection, Field: field, Filter: filter})
	if err != nil {
		panic(err.Error()) // Filters hold JSON-shaped values only.
	}
	return string(b)
}

// DistinctLoader loads keys built by DistinctKey through store.FindDistinct.
// Values are returned in their fmt.Sprint form.
func DistinctLoader(store types.Store) IndexLoader {
	return func(ctx context.Context, key string) ([]string, error) {
		var q distinctQuery
		var dec = json.NewDecoder(bytes.NewReader([]byte(key)))
		dec.UseNumber()

		if err := dec.Decode(&q); err != nil {
			return nil, errors.Wrapf(err, "not a distinct key: %q", key)
		}
		var values, err = store.FindDistinct(ctx, q.Collection, q.Field, q.Filter)
		if err != nil {
			return nil, unavailable(err, "finding distinct %s of %s", q.Field, q.Collection)
		}
		var out = make([]string, len(values))
		for i, v := range values {
			out[i] = fmt.Sprint(v)
		}
		return out, nil
	}
}

var timeNow = time.Now

package types

import "time"

// CacheEntry is one cached document and its eviction bookkeeping.
// All fields are guarded by the owning cache's lock.
type CacheEntry struct {
	ID         string
	Collection string
	Doc        Document

	// Version increases with every mutation applied to Doc.
	Version uint64
	// Dirty is set while Version has not been confirmed by the backing store.
	Dirty bool

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpireAt       time.Time // zero => no TTL
}

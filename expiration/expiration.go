// This file defines how cache entries expire over time.

package expiration

import (
	"time"

	"github.com/krisalay/doccache/types"
)

/*
Strategy decides when an entry is too old to serve. The cache asks it on
every lookup and tells it about every read and write of an entry.
*/
type Strategy interface {

	// IsExpired checks if the entry is expired at now.
	IsExpired(*types.CacheEntry, time.Time) bool

	// OnAccess is called whenever a cache entry is read successfully.
	OnAccess(*types.CacheEntry, time.Time)

	// OnWrite is called whenever a cache entry is admitted or mutated.
	OnWrite(*types.CacheEntry, time.Time)
}

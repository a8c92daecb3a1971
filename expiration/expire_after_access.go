package expiration

import (
	"time"

	"github.com/krisalay/doccache/types"
)

/*
ExpireAfterAccess is a sliding TTL: an entry expires once nobody has read or
written it for TTL. A TTL of zero or less disables expiry.
*/
type ExpireAfterAccess struct {
	TTL time.Duration
}

// IsExpired checks whether the entry is expired at this moment.
func (e *ExpireAfterAccess) IsExpired(ent *types.CacheEntry, now time.Time) bool {
	return !ent.ExpireAt.IsZero() && now.After(ent.ExpireAt)
}

// OnAccess pushes ExpireAt forward by TTL.
func (e *ExpireAfterAccess) OnAccess(ent *types.CacheEntry, now time.Time) {
	ent.LastAccessedAt = now
	e.extend(ent, now)
}

/*
OnWrite stamps a newly admitted entry's creation time and, like a read,
pushes ExpireAt forward. Mutations count as use.
*/
func (e *ExpireAfterAccess) OnWrite(ent *types.CacheEntry, now time.Time) {
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = now
	}
	ent.LastAccessedAt = now
	e.extend(ent, now)
}

func (e *ExpireAfterAccess) extend(ent *types.CacheEntry, now time.Time) {
	if e.TTL > 0 {
		ent.ExpireAt = now.Add(e.TTL)
	} else {
		ent.ExpireAt = time.Time{}
	}
}

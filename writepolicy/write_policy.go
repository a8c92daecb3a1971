package writepolicy

import (
	"context"

	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/types"
)

/*
This file defines what a "write policy" is.

The cache applies every mutation in memory first. A write policy decides how
that mutation then reaches the backing store: right away (write-through), or
right away with a durable fallback and background retries (write-back).
*/

// Write is a full snapshot of one document headed for the backing store.
// Writes are idempotent: replaying an older Write after a newer one is the
// only thing that can go wrong, and per-id locks rule that out.
type Write struct {
	ID         string
	Collection string
	Doc        types.Document
	// Deleted writes delete the document instead of replacing it.
	Deleted bool
	// Version orders snapshots of the same id.
	Version uint64
}

// Record returns the recovery record which stands in for w.
func (w Write) Record() recoverylog.Record {
	return recoverylog.Record{
		ID:         w.ID,
		Collection: w.Collection,
		Doc:        w.Doc,
		Deleted:    w.Deleted,
	}
}

// FromRecord is the inverse of Write.Record.
func FromRecord(rec recoverylog.Record) Write {
	return Write{
		ID:         rec.ID,
		Collection: rec.Collection,
		Doc:        rec.Doc,
		Deleted:    rec.Deleted,
	}
}

/*
WritePolicy is the contract that all write policies must follow.

The cache holds the id's lock (see shard.Locks) across OnWrite and OnEvict,
so a policy sees the writes of one id in version order.
*/
type WritePolicy interface {

	/*
		OnWrite is called after a mutation was applied in memory.

		durable reports whether the backing store confirmed w before the
		call returned. A non-nil error wraps types.ErrNotDurable: the write
		was confirmed by nobody, and the entry must stay dirty.
	*/
	OnWrite(ctx context.Context, w Write) (durable bool, err error)

	/*
		OnEvict is called before a dirty entry leaves memory. Once it
		returns nil, the policy owns w until the store confirms it. On error
		the entry must stay cached.
	*/
	OnEvict(ctx context.Context, w Write) error

	// Pending returns the newest unconfirmed write of the collection whose
	// document matches f. Tombstones match on id alone.
	Pending(collection string, f types.Filter) (Write, bool)

	// Close stops background work, making a last attempt at pending writes.
	Close(ctx context.Context) error
}

// apply sends w to the store as an idempotent upsert or delete.
func apply(ctx context.Context, store types.Store, w Write) error {
	var filter = types.Filter{types.IDField: w.ID}

	if w.Deleted {
		var _, err = store.DeleteOne(ctx, w.Collection, filter)
		return err
	}
	var _, err = store.ReplaceOne(ctx, w.Collection, filter, w.Doc, true)
	return err
}

// matches reports whether w is a write of the collection satisfying f.
func (w Write) matches(collection string, f types.Filter) bool {
	if w.Collection != collection {
		return false
	}
	if w.Deleted {
		var id, ok = f.ID()
		return ok && id == w.ID
	}
	return f.Matches(w.Doc)
}

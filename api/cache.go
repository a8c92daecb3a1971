package api

import (
	"context"

	"github.com/krisalay/doccache/types"
)

/*
DocumentCache defines the PUBLIC API of the document cache.
This is a contract that guarantees certain behaviors, without exposing internals.
Eviction, expiration, write-back, and crash recovery are hidden behind it.
*/
type DocumentCache interface {

	/*
		FindOne returns the first document of the collection matching filter.

		BEHAVIOR:
		---------
		1. A cached match is returned immediately (cache hit).
		2. Otherwise a match whose write-back is still pending is returned.
		3. Otherwise the backing store is queried, and its result cached.

		A missing document is (nil, nil), not an error.
	*/
	FindOne(ctx context.Context, collection string, filter types.Filter) (types.Document, error)

	/*
		InsertOne inserts doc through the backing store and caches it.
		The store assigns the id if doc has none.

		If the store fails, nothing is cached and the error wraps
		types.ErrStoreUnavailable.
	*/
	InsertOne(ctx context.Context, collection string, doc types.Document) (string, error)

	/*
		ReplaceOne replaces the target document with replacement.

		The target is replacement's id, or else the first match of filter.
		With upsert, a missing target is created.

		The in-memory value changes before the call returns. Ack.Durable
		reports whether the store confirmed it too; if not, it is retried
		in the background. types.ErrNotDurable means nothing confirmed it.
	*/
	ReplaceOne(ctx context.Context, collection string, filter types.Filter, replacement types.Document, upsert bool) (types.Ack, error)

	/*
		UpdateOne applies update operators ($set, $unset, $inc, $push, $pull)
		to the first match of filter, with the same durability contract as
		ReplaceOne.
	*/
	UpdateOne(ctx context.Context, collection string, filter types.Filter, update types.Update, upsert bool) (types.Ack, error)

	/*
		DeleteOne deletes the first match of filter. A delete the store does
		not confirm is retried in the background.
	*/
	DeleteOne(ctx context.Context, collection string, filter types.Filter) (types.Ack, error)

	/*
		Close writes back dirty documents and releases resources.

		WHEN TO CALL:
		-------------
		- Application shutdown
		- Tests cleanup
	*/
	Close(ctx context.Context) error
}

// Index is the PUBLIC API of the cache of derived list-valued queries.
type Index interface {
	// Get returns the values of key, loading them on a miss.
	Get(ctx context.Context, key string) ([]string, error)

	// Invalidate drops key. Callers invalidate after mutations that change it.
	Invalidate(key string)
}

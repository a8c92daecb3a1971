package types

import "context"

// Store is the contract between the cache and the backing document store.
// Every method may fail with a transient I/O error.
type Store interface {
	// FindOne returns the first document of the collection matching the
	// filter, or nil if there is none.
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)

	// FindDistinct returns the distinct values of field among matching documents.
	FindDistinct(ctx context.Context, collection, field string, filter Filter) ([]any, error)

	// InsertOne stores doc and returns its id, generating one if doc has none.
	InsertOne(ctx context.Context, collection string, doc Document) (string, error)

	// ReplaceOne replaces the first matching document, or inserts doc when
	// nothing matches and upsert is set. It reports whether a document matched.
	ReplaceOne(ctx context.Context, collection string, filter Filter, doc Document, upsert bool) (bool, error)

	// UpdateOne atomically applies the update to the first matching document
	// and returns the post-update document (nil if nothing matched and upsert is unset).
	UpdateOne(ctx context.Context, collection string, filter Filter, update Update, upsert bool) (Document, error)

	// DeleteOne deletes the first matching document and returns it, if any.
	DeleteOne(ctx context.Context, collection string, filter Filter) (Document, error)
}

// Ack acknowledges a mutation.
type Ack struct {
	// Matched is the number of documents the mutation applied to (0 or 1).
	Matched int
	// UpsertedID is set when an upsert inserted a new document.
	UpsertedID string
	// Durable is set when the backing store confirmed the write before the
	// call returned. Otherwise the write is covered by the recovery log.
	Durable bool
}

package types

import "github.com/pkg/errors"

var (
	// ErrStoreUnavailable is returned when a backing store call fails and
	// nothing was applied in memory.
	ErrStoreUnavailable = errors.New("backing store unavailable")

	// ErrNotDurable is returned when a mutation was applied in memory but
	// neither the backing store nor the recovery log confirmed it.
	ErrNotDurable = errors.New("mutation applied in memory but not durable")

	// ErrBadUpdate is returned for malformed update documents.
	ErrBadUpdate = errors.New("malformed update")

	// ErrMissingID is returned when a document that must carry an id does not.
	ErrMissingID = errors.New("document has no id")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache is closed")
)

package recoverylog

import (
	"github.com/pkg/errors"

	"github.com/krisalay/doccache/types"
)

// ErrCorrupt is returned when a log cannot be parsed. It is never skipped:
// a record that cannot be read is a mutation that cannot be replayed.
var ErrCorrupt = errors.New("recovery log is corrupt")

// Record is the pending write of one document.
type Record struct {
	ID         string         `json:"id"`
	Collection string         `json:"coll"`
	Doc        types.Document `json:"doc,omitempty"`
	// Deleted marks a tombstone: replay deletes the document instead of writing Doc.
	Deleted bool `json:"del,omitempty"`
}

// Log is a durable key-value ledger of Records keyed by id.
// Put and Remove must survive a process exit immediately after they return.
type Log interface {
	// Put persists rec, superseding any earlier record of rec.ID.
	Put(rec Record) error
	// Remove deletes the record of id. Removing an absent id is a no-op.
	Remove(id string) error
	// LoadAll returns every record left by earlier runs. Used at startup only.
	LoadAll() ([]Record, error)
	// Close releases the log.
	Close() error
}

// Retirer is implemented by logs that keep earlier runs' records apart from
// the records written by this process. Retire discards the earlier runs'
// records, and is called once every loaded record was replayed or Put again.
type Retirer interface {
	Retire() error
}

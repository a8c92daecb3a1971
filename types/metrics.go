package types

// This file defines how the cache reports what it is doing.

/*
Metrics is the set of events the cache emits over its lifecycle.
Each method is called once per event and must not block.
*/
type Metrics interface {

	// Hit is called when a lookup is served from memory.
	Hit()

	// Miss is called when a lookup has to consult pending writes or the backing store.
	Miss()

	// Eviction is called when an entry is discarded because the cache is over capacity.
	Eviction()

	// Expire is called when an entry is discarded because it outlived its TTL.
	Expire()

	// WriteBack is called after every attempt to push a snapshot to the backing store.
	WriteBack(ok bool)

	// RecoveryPut is called when a recovery record is durably written.
	RecoveryPut()

	// RecoveryRemove is called when a recovery record is durably removed.
	RecoveryRemove()

	// Replay is called once per recovery record replayed at startup.
	Replay(ok bool)

	// PendingWrites reports how many snapshots await confirmation by the backing store.
	PendingWrites(n int)
}

// NoopMetrics ignores every event. It is the default when no Metrics is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Eviction()         {}
func (NoopMetrics) Expire()           {}
func (NoopMetrics) WriteBack(bool)    {}
func (NoopMetrics) RecoveryPut()      {}
func (NoopMetrics) RecoveryRemove()   {}
func (NoopMetrics) Replay(bool)       {}
func (NoopMetrics) PendingWrites(int) {}

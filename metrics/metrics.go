// Package metrics implements types.Metrics over atomic counters and Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/krisalay/doccache/types"
)

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Hits              uint64
	Misses            uint64
	Evictions         uint64
	Expirations       uint64
	WriteBacks        uint64
	WriteBackFailures uint64
	RecoveryPuts      uint64
	RecoveryRemoves   uint64
	Replayed          uint64
	ReplayFailures    uint64
	PendingWrites     int64
}

// Counters counts cache events in memory.
type Counters struct {
	hits, misses, evictions, expirations atomic.Uint64
	writeBacks, writeBackFailures        atomic.Uint64
	recoveryPuts, recoveryRemoves        atomic.Uint64
	replayed, replayFailures             atomic.Uint64
	pending                              atomic.Int64
}

var _ types.Metrics = (*Counters)(nil)

func (c *Counters) Hit()            { c.hits.Add(1) }
func (c *Counters) Miss()           { c.misses.Add(1) }
func (c *Counters) Eviction()       { c.evictions.Add(1) }
func (c *Counters) Expire()         { c.expirations.Add(1) }
func (c *Counters) RecoveryPut()    { c.recoveryPuts.Add(1) }
func (c *Counters) RecoveryRemove() { c.recoveryRemoves.Add(1) }

func (c *Counters) WriteBack(ok bool) {
	if ok {
		c.writeBacks.Add(1)
	} else {
		c.writeBackFailures.Add(1)
	}
}

func (c *Counters) Replay(ok bool) {
	if ok {
		c.replayed.Add(1)
	} else {
		c.replayFailures.Add(1)
	}
}

func (c *Counters) PendingWrites(n int) { c.pending.Store(int64(n)) }

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Evictions:         c.evictions.Load(),
		Expirations:       c.expirations.Load(),
		WriteBacks:        c.writeBacks.Load(),
		WriteBackFailures: c.writeBackFailures.Load(),
		RecoveryPuts:      c.recoveryPuts.Load(),
		RecoveryRemoves:   c.recoveryRemoves.Load(),
		Replayed:          c.replayed.Load(),
		ReplayFailures:    c.replayFailures.Load(),
		PendingWrites:     c.pending.Load(),
	}
}

// Multi fans every event out to each of its members.
type Multi []types.Metrics

func (m Multi) Hit() {
	for _, x := range m {
		x.Hit()
	}
}

func (m Multi) Miss() {
	for _, x := range m {
		x.Miss()
	}
}

func (m Multi) Eviction() {
	for _, x := range m {
		x.Eviction()
	}
}

func (m Multi) Expire() {
	for _, x := range m {
		x.Expire()
	}
}

func (m Multi) WriteBack(ok bool) {
	for _, x := range m {
		x.WriteBack(ok)
	}
}

func (m Multi) RecoveryPut() {
	for _, x := range m {
		x.RecoveryPut()
	}
}

func (m Multi) RecoveryRemove() {
	for _, x := range m {
		x.RecoveryRemove()
	}
}

func (m Multi) Replay(ok bool) {
	for _, x := range m {
		x.Replay(ok)
	}
}

func (m Multi) PendingWrites(n int) {
	for _, x := range m {
		x.PendingWrites(n)
	}
}

package writepolicy

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/krisalay/doccache/types"
)

/*
This file implements the "write-through" policy.

Whenever the cache writes a document, the same snapshot is written to the
backing store before the mutation returns.

So the flow is: Cache write → Store write (synchronous)
*/

// WriteThroughPolicy forwards every write to the backing store.
// It has no recovery log: a failed write is reported to the caller, and the
// entry stays dirty until a later mutation or its eviction succeeds.
type WriteThroughPolicy struct {

	// store is where data must be persisted.
	store types.Store

	// timeout bounds each store write. Zero means the caller's context alone.
	timeout time.Duration

	metrics types.Metrics
}

var _ WritePolicy = (*WriteThroughPolicy)(nil)

// NewWriteThroughPolicy creates a new write-through policy.
func NewWriteThroughPolicy(store types.Store, timeout time.Duration, metrics types.Metrics) *WriteThroughPolicy {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &WriteThroughPolicy{store: store, timeout: timeout, metrics: metrics}
}

// OnWrite writes w to the store.
func (p *WriteThroughPolicy) OnWrite(ctx context.Context, w Write) (bool, error) {
	if err := p.write(ctx, w); err != nil {
		return false, errors.Wrapf(types.ErrNotDurable, "writing %s: %s", w.ID, err)
	}
	return true, nil
}

// OnEvict writes w to the store, and fails if it could not.
func (p *WriteThroughPolicy) OnEvict(ctx context.Context, w Write) error {
	return p.write(ctx, w)
}

// Pending is always empty: nothing outlives OnWrite.
func (p *WriteThroughPolicy) Pending(string, types.Filter) (Write, bool) { return Write{}, false }

// Close is a no-op. Write-through has no background workers.
func (p *WriteThroughPolicy) Close(context.Context) error { return nil }

// write is one timeout-bounded store write of w.
func (p *WriteThroughPolicy) write(ctx context.Context, w Write) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var err = apply(ctx, p.store, w)
	p.metrics.WriteBack(err == nil)

	if err != nil {
		log.WithFields(log.Fields{
			"id":      w.ID,
			"coll":    w.Collection,
			"version": w.Version,
			"deleted": w.Deleted,
			"err":     err,
		}).Warn("failed to write document to backing store")
	}
	return err
}

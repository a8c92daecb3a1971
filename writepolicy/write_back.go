package writepolicy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/shard"
	"github.com/krisalay/doccache/types"
)

// This file implements the "write-back" policy.

// Options configure a WriteBackPolicy. Zero values select defaults.
type Options struct {
	// Workers is the number of goroutines retrying pending writes.
	Workers int
	// LogRetries is the number of times a failed recovery log put is retried.
	LogRetries int
	// LogRetryDelay is the pause between recovery log put attempts.
	LogRetryDelay time.Duration
	// RetryBase and RetryMax bound the Fibonacci backoff between store
	// attempts of a pending write.
	RetryBase time.Duration
	RetryMax  time.Duration

	// OnConfirm is called, with the id's lock held, whenever the store
	// confirms a write.
	OnConfirm func(id string, version uint64)
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LogRetries < 0 {
		o.LogRetries = 0
	} else if o.LogRetries == 0 {
		o.LogRetries = 3
	}
	if o.LogRetryDelay <= 0 {
		o.LogRetryDelay = 10 * time.Millisecond
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = 30 * time.Second
	}
	if o.OnConfirm == nil {
		o.OnConfirm = func(string, uint64) {}
	}
}

// pendingWrite is the newest unconfirmed write of an id.
type pendingWrite struct {
	w Write
	// recorded is set once the recovery log holds a record of the id.
	recorded bool
	// inflight is set while a worker attempts w.
	inflight bool
	due      time.Time
	backoff  retry.Backoff
}

/*
WriteBackPolicy tries every write against the store right away, like
write-through. A write the store did not confirm, or an entry evicted while
dirty, is recorded in the recovery log and then retried in the background by
a pool of workers until the store confirms it. Only then is the record removed.

Unlike a bounded queue, nothing is ever dropped: at most one write per id is
pending, and a newer write of an id supersedes the older one.
*/
type WriteBackPolicy struct {
	through *WriteThroughPolicy
	log     recoverylog.Log
	locks   *shard.Locks
	opts    Options

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool

	// notify wakes a worker when a write becomes due.
	notify chan struct{}
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ WritePolicy = (*WriteBackPolicy)(nil)

// NewWriteBackPolicy creates a write-back policy and starts its workers.
// locks must be the table the cache holds while calling OnWrite and OnEvict.
func NewWriteBackPolicy(through *WriteThroughPolicy, rlog recoverylog.Log, locks *shard.Locks, opts Options) *WriteBackPolicy {
	opts.defaults()

	p := &WriteBackPolicy{
		through: through,
		log:     rlog,
		locks:   locks,
		opts:    opts,
		pending: make(map[string]*pendingWrite),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i != opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// OnWrite writes w to the store. If the store fails, w is recorded in the
// recovery log and retried in the background. Only a failure of the recovery
// log too is an error.
func (p *WriteBackPolicy) OnWrite(ctx context.Context, w Write) (bool, error) {
	if err := p.through.write(ctx, w); err == nil {
		p.confirm(w)
		return true, nil
	}
	return false, p.deferWrite(ctx, w, false)
}

// OnEvict records w and queues it for the workers. The store is not
// consulted: eviction never waits on it.
func (p *WriteBackPolicy) OnEvict(ctx context.Context, w Write) error {
	var err = p.deferWrite(ctx, w, true)

	if err != nil {
		log.WithFields(log.Fields{
			"id":   w.ID,
			"coll": w.Collection,
			"err":  err,
		}).Error("failed to record evicted document; keeping it cached")
	}
	return err
}

// Pending returns the newest unconfirmed write matching f.
func (p *WriteBackPolicy) Pending(collection string, f types.Filter) (Write, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := f.ID(); ok {
		if pw, ok := p.pending[id]; ok && pw.w.matches(collection, f) {
			return cloneWrite(pw.w), true
		}
		return Write{}, false
	}

	var found *pendingWrite
	for _, pw := range p.pending {
		if !pw.w.matches(collection, f) {
			continue
		}
		if found == nil || pw.w.Version > found.w.Version ||
			(pw.w.Version == found.w.Version && pw.w.ID < found.w.ID) {
			found = pw
		}
	}
	if found == nil {
		return Write{}, false
	}
	return cloneWrite(found.w), true
}

// Len returns the number of pending writes.
func (p *WriteBackPolicy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

/*
Replay writes records left by an earlier run to the store, in parallel.

A replayed record is removed from the log. A record the store refuses is put
again, so it belongs to this run's log, and becomes a pending write retried
like any other. Replay fails only if such a record cannot be put.
*/
func (p *WriteBackPolicy) Replay(ctx context.Context, recs []recoverylog.Record) (replayed int, err error) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(p.opts.Workers)

	for _, rec := range recs {
		var w = FromRecord(rec)

		g.Go(func() error {
			unlock := p.locks.Lock(w.ID)
			defer unlock()

			if err := p.through.write(ctx, w); err != nil {
				p.through.metrics.Replay(false)
				return p.deferWrite(ctx, w, false)
			}
			p.through.metrics.Replay(true)

			mu.Lock()
			replayed++
			mu.Unlock()

			if err := p.log.Remove(w.ID); err != nil {
				// The record stays in an earlier run's slot or row. Replaying it
				// again is harmless as long as nothing newer is written, so
				// keep it pending until its removal sticks.
				return p.deferWrite(ctx, w, false)
			}
			return nil
		})
	}
	err = g.Wait()

	log.WithFields(log.Fields{
		"records":  len(recs),
		"replayed": replayed,
		"pending":  p.Len(),
	}).Info("replayed recovery log")

	return replayed, err
}

/*
Drain makes one synchronous attempt at every pending write, and returns how
many remain. Writes a worker is attempting are waited on.
*/
func (p *WriteBackPolicy) Drain(ctx context.Context) int {
	p.mu.Lock()
	var ids = make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		p.attempt(ctx, id)
	}
	return p.Len()
}

// Close stops the workers and drains pending writes. Writes the store still
// refuses stay in the recovery log, for replay by the next run.
func (p *WriteBackPolicy) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.cancel()
	p.wg.Wait()

	if n := p.Drain(ctx); n != 0 {
		var unrecorded int

		p.mu.Lock()
		for _, pw := range p.pending {
			if !pw.recorded {
				unrecorded++
			}
		}
		p.mu.Unlock()

		log.WithFields(log.Fields{
			"pending":    n,
			"unrecorded": unrecorded,
		}).Warn("closing with writes not confirmed by the backing store")

		if unrecorded != 0 {
			return errors.Wrapf(types.ErrNotDurable, "%d writes are neither stored nor recorded", unrecorded)
		}
	}
	return nil
}

// deferWrite makes w the pending write of its id and records it.
// The caller holds the id's lock.
func (p *WriteBackPolicy) deferWrite(ctx context.Context, w Write, dueNow bool) error {
	p.mu.Lock()
	pw, ok := p.pending[w.ID]
	if !ok {
		pw = &pendingWrite{backoff: p.newBackoff()}
		p.pending[w.ID] = pw
	}
	pw.w = w

	if dueNow {
		pw.due = timeNow()
	} else {
		var d, _ = pw.backoff.Next()
		pw.due = timeNow().Add(d)
	}
	var n = len(p.pending)
	p.mu.Unlock()

	p.through.metrics.PendingWrites(n)
	p.wake()

	if err := p.put(ctx, w.Record()); err != nil {
		return errors.Wrapf(types.ErrNotDurable, "recording %s: %s", w.ID, err)
	}

	p.mu.Lock()
	pw.recorded = true
	p.mu.Unlock()

	return nil
}

// put writes rec to the recovery log, retrying a few times. It ignores
// cancellation of ctx: a record is never abandoned half way.
func (p *WriteBackPolicy) put(ctx context.Context, rec recoverylog.Record) error {
	var b = retry.WithMaxRetries(uint64(p.opts.LogRetries), retry.NewConstant(p.opts.LogRetryDelay))

	var err = retry.Do(context.WithoutCancel(ctx), b, func(context.Context) error {
		if err := p.log.Put(rec); err != nil {
			log.WithFields(log.Fields{"id": rec.ID, "err": err}).Warn("failed to put recovery record")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		p.through.metrics.RecoveryPut()
	}
	return err
}

// confirm drops the pending write of w.ID if w is at least as new, and
// removes its record. The caller holds the id's lock.
func (p *WriteBackPolicy) confirm(w Write) {
	p.mu.Lock()
	var pw, ok = p.pending[w.ID]
	if ok && pw.w.Version > w.Version {
		ok = false // A newer write is still pending.
	}
	var recorded = ok && pw.recorded
	p.mu.Unlock()

	if recorded {
		if err := p.log.Remove(w.ID); err != nil {
			// Leave w pending, so the removal is retried along with it.
			log.WithFields(log.Fields{"id": w.ID, "err": err}).Warn("failed to remove recovery record")

			p.mu.Lock()
			pw.w, pw.inflight = w, false
			var d, _ = pw.backoff.Next()
			pw.due = timeNow().Add(d)
			p.mu.Unlock()

			p.opts.OnConfirm(w.ID, w.Version)
			return
		}
		p.through.metrics.RecoveryRemove()
	}

	p.mu.Lock()
	if ok {
		delete(p.pending, w.ID)
	}
	var n = len(p.pending)
	p.mu.Unlock()

	p.through.metrics.PendingWrites(n)
	p.opts.OnConfirm(w.ID, w.Version)
}

func (p *WriteBackPolicy) worker() {
	defer p.wg.Done()

	for {
		id, wait, ok := p.claim()
		if ok {
			p.attempt(p.ctx, id)
			continue
		}

		var timer = time.NewTimer(wait)
		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-p.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// claim picks a due write that no worker is attempting. Otherwise it
// returns how long to wait for the next one.
func (p *WriteBackPolicy) claim() (id string, wait time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var now = timeNow()
	wait = p.opts.RetryMax

	for pid, pw := range p.pending {
		if pw.inflight {
			continue
		}
		if d := pw.due.Sub(now); d > 0 {
			if d < wait {
				wait = d
			}
			continue
		}
		if ok {
			// More work is due. Let another worker at it.
			p.wake()
			break
		}
		id, ok = pid, true
		pw.inflight = true
	}
	return id, wait, ok
}

// attempt writes the pending write of id once.
func (p *WriteBackPolicy) attempt(ctx context.Context, id string) {
	unlock := p.locks.Lock(id)
	defer unlock()

	p.mu.Lock()
	var pw, ok = p.pending[id]
	var w Write
	if ok {
		w = pw.w
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := p.through.write(ctx, w); err == nil {
		p.confirm(w)
		return
	}

	p.mu.Lock()
	pw.inflight = false
	var d, _ = pw.backoff.Next()
	pw.due = timeNow().Add(d)
	p.mu.Unlock()
}

func (p *WriteBackPolicy) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *WriteBackPolicy) newBackoff() retry.Backoff {
	var b = retry.NewFibonacci(p.opts.RetryBase)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(p.opts.RetryMax, b)
}

func cloneWrite(w Write) Write {
	w.Doc = w.Doc.Clone()
	return w
}

var timeNow = time.Now

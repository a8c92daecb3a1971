package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/krisalay/doccache/api"
	"github.com/krisalay/doccache/engine"
	"github.com/krisalay/doccache/eviction"
	"github.com/krisalay/doccache/expiration"
	"github.com/krisalay/doccache/metrics"
	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/shard"
	"github.com/krisalay/doccache/types"
	"github.com/krisalay/doccache/writepolicy"
)

/*
DocumentCache is a capacity and TTL bounded cache of documents in front of a
backing store.

This struct is the orchestrator that connects:
- the entries themselves, indexed by id and by collection
- eviction, which picks what to give up when over capacity
- the engine: expiration, store fetches, write policy, metrics
- per-id locks, which order every mutation and store write of a document

Reads are served from memory, then from writes still pending with the write
policy, then from the store. Mutations are applied in memory and pushed to the
store as full snapshots of the document.

With a recovery log, writes the store does not confirm are recorded there and
retried in the background (write-back). Without one, every write goes straight
to the store (write-through).
*/
type DocumentCache struct {
	cfg    Config
	engine *engine.CacheEngine
	locks  *shard.Locks
	rlog   recoverylog.Log

	// writeBack is the engine's write policy when a recovery log is configured.
	writeBack *writepolicy.WriteBackPolicy
	counters  *metrics.Counters

	// mu guards the fields below. It is never held across store or log I/O.
	mu       sync.Mutex
	entries  map[string]*types.CacheEntry
	byColl   map[string]map[string]struct{}
	eviction eviction.Policy

	version atomic.Uint64
	// deletes counts local deletes, so that a fetch racing one is not cached.
	deletes atomic.Uint64

	started   atomic.Bool
	closed    atomic.Bool
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New returns a DocumentCache over store. rlog may be nil, which selects
// write-through. Call Start before serving traffic.
func New(cfg Config, store types.Store, rlog recoverylog.Log) (*DocumentCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var c = &DocumentCache{
		cfg:       cfg,
		locks:     shard.NewLocks(cfg.LockShards),
		rlog:      rlog,
		counters:  new(metrics.Counters),
		entries:   make(map[string]*types.CacheEntry),
		byColl:    make(map[string]map[string]struct{}),
		eviction:  eviction.NewEvictionPolicy(cfg.Eviction),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	var m types.Metrics = c.counters
	if cfg.Metrics != nil {
		m = metrics.Multi{c.counters, cfg.Metrics}
	}

	var through = writepolicy.NewWriteThroughPolicy(store, cfg.WriteTimeout, m)
	var policy writepolicy.WritePolicy = through

	if rlog != nil {
		c.writeBack = writepolicy.NewWriteBackPolicy(through, rlog, c.locks, writepolicy.Options{
			Workers:    cfg.Workers,
			LogRetries: cfg.LogRetries,
			RetryBase:  cfg.RetryBase,
			RetryMax:   cfg.RetryMax,
			OnConfirm:  c.markClean,
		})
		policy = c.writeBack
	}

	c.engine = engine.NewCacheEngine(
		&expiration.ExpireAfterAccess{TTL: cfg.TTL},
		store,
		policy,
		m,
	)
	return c, nil
}

/*
Start replays the recovery log into the store, and then starts the sweeper.

Records the store refuses stay pending and are retried in the background;
they are served by reads meanwhile. A log that cannot be parsed fails Start
with recoverylog.ErrCorrupt.
*/
func (c *DocumentCache) Start(ctx context.Context) error {
	if c.closed.Load() {
		return types.ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("cache already started")
	}

	if err := c.replayLog(ctx); err != nil {
		close(c.sweepDone)
		return err
	}
	if c.cfg.SweepInterval > 0 && c.cfg.TTL > 0 {
		go c.sweepLoop()
	} else {
		close(c.sweepDone)
	}
	return nil
}

func (c *DocumentCache) replayLog(ctx context.Context) error {
	if c.rlog == nil {
		return nil
	}
	var recs, err = c.rlog.LoadAll()
	if err != nil {
		return errors.WithMessage(err, "loading recovery log")
	}
	if _, err = c.writeBack.Replay(ctx, recs); err != nil {
		return errors.WithMessage(err, "replaying recovery log")
	}
	if r, ok := c.rlog.(recoverylog.Retirer); ok {
		if err = r.Retire(); err != nil {
			return errors.WithMessage(err, "retiring recovery log")
		}
	}
	return nil
}

// Close stops the sweeper, writes back every dirty document, and closes the
// write policy and the recovery log. Writes the store still refuses remain in
// the log for the next run. Operations on a closed cache fail with types.ErrClosed.
func (c *DocumentCache) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopSweep)
	if c.started.Load() {
		<-c.sweepDone
	}

	var err = c.flush(ctx)
	if perr := c.engine.WritePolicy.Close(ctx); err == nil {
		err = perr
	}
	if c.rlog != nil {
		if lerr := c.rlog.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

// FindOne returns the first document of the collection matching filter,
// or nil if there is none.
func (c *DocumentCache) FindOne(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	if c.closed.Load() {
		return nil, types.ErrClosed
	}
	if doc, ok := c.findCached(ctx, collection, filter); ok {
		c.engine.Metrics.Hit()
		return doc, nil
	}
	c.engine.Metrics.Miss()

	if w, ok := c.engine.WritePolicy.Pending(collection, filter); ok {
		return c.newerThan(w, collection, filter), nil
	}

	var deletes = c.deletes.Load()
	var doc, err = c.engine.Fetch(ctx, collection, filter)
	if err != nil {
		return nil, unavailable(err, "finding in %s", collection)
	} else if doc == nil {
		return nil, nil
	}
	if doc, shadowed := c.admit(ctx, collection, filter, doc, deletes); !shadowed {
		return doc, nil
	}
	return c.findShadowed(ctx, collection, filter)
}

// findShadowed looks through every stored match of filter, in the store's
// order, for one that local state doesn't supersede. It runs when the store's
// first match is stale: a newer local copy of it no longer matches.
func (c *DocumentCache) findShadowed(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	var ids, err = c.engine.Store.FindDistinct(ctx, collection, types.IDField, filter)
	if err != nil {
		return nil, unavailable(err, "finding in %s", collection)
	}

	for _, id := range ids {
		var byID = make(types.Filter, len(filter)+1)
		for k, v := range filter {
			byID[k] = v
		}
		byID[types.IDField] = id

		var deletes = c.deletes.Load()
		var doc, err = c.engine.Fetch(ctx, collection, byID)
		if err != nil {
			return nil, unavailable(err, "finding in %s", collection)
		} else if doc == nil {
			continue
		}
		if doc, shadowed := c.admit(ctx, collection, byID, doc, deletes); !shadowed {
			return doc, nil
		}
	}
	return nil, nil
}

// InsertOne inserts doc through the store, which assigns its id if it has
// none, and caches it.
func (c *DocumentCache) InsertOne(ctx context.Context, collection string, doc types.Document) (string, error) {
	if c.closed.Load() {
		return "", types.ErrClosed
	}
	doc = doc.Clone()
	if doc == nil {
		doc = types.Document{}
	}

	var id, err = c.engine.Store.InsertOne(ctx, collection, doc)
	if err != nil {
		return "", unavailable(err, "inserting into %s", collection)
	}
	doc[types.IDField] = id

	var unlock = c.locks.Lock(id)
	c.mu.Lock()
	c.setLocked(collection, id, doc, false)
	c.mu.Unlock()
	unlock()

	c.evictOverflow(ctx)
	return id, nil
}

/*
ReplaceOne replaces a document with replacement.

The target is the replacement's id, or else the first document matching
filter. Without a target, upsert inserts replacement through the store.
The returned Ack is Durable if the store confirmed the new snapshot; if it did
not, the snapshot is retried in the background.
*/
func (c *DocumentCache) ReplaceOne(ctx context.Context, collection string, filter types.Filter, replacement types.Document, upsert bool) (types.Ack, error) {
	if c.closed.Load() {
		return types.Ack{}, types.ErrClosed
	}

	var id = replacement.ID()
	if id == "" {
		var cur, err = c.FindOne(ctx, collection, filter)
		if err != nil {
			return types.Ack{}, err
		} else if cur != nil {
			id = cur.ID()
		}
	}
	if id == "" {
		if !upsert {
			return types.Ack{}, nil
		}
		var newID, err = c.InsertOne(ctx, collection, replacement)
		if err != nil {
			return types.Ack{}, err
		}
		return types.Ack{UpsertedID: newID, Durable: true}, nil
	}

	var unlock = c.locks.Lock(id)
	defer c.evictOverflow(ctx)
	defer unlock()

	var _, matched, known = c.current(collection, id)
	if !known {
		var cur, err = c.engine.Store.FindOne(ctx, collection, types.Filter{types.IDField: id})
		if err != nil {
			return types.Ack{}, unavailable(err, "finding %s in %s", id, collection)
		}
		matched = cur != nil
	}
	if !matched && !upsert {
		return types.Ack{}, nil
	}

	var doc = replacement.Clone()
	doc[types.IDField] = id

	var durable, err = c.commit(ctx, collection, id, doc)
	var ack = types.Ack{Durable: durable}
	if matched {
		ack.Matched = 1
	} else {
		ack.UpsertedID = id
	}
	return ack, err
}

/*
UpdateOne applies update to the first document matching filter.

A document held in memory is updated there and written back as a snapshot,
like ReplaceOne. Otherwise the store applies the update, and the resulting
document is cached.
*/
func (c *DocumentCache) UpdateOne(ctx context.Context, collection string, filter types.Filter, update types.Update, upsert bool) (types.Ack, error) {
	if c.closed.Load() {
		return types.Ack{}, types.ErrClosed
	}
	if err := update.Validate(); err != nil {
		return types.Ack{}, err
	}

	if id, ok := c.localTarget(collection, filter); ok {
		if ack, done, err := c.updateLocal(ctx, collection, id, filter, update); done {
			return ack, err
		}
	}

	var deletes = c.deletes.Load()
	var doc, err = c.engine.Store.UpdateOne(ctx, collection, filter, update, upsert)
	if err != nil {
		return types.Ack{}, unavailable(err, "updating in %s", collection)
	} else if doc == nil {
		return types.Ack{}, nil
	}
	var id = doc.ID()

	var unlock = c.locks.Lock(id)
	defer c.evictOverflow(ctx)
	defer unlock()

	// A copy raced into memory while the store updated. It's at least as
	// new as the store's, so the update applies to it too.
	if cur, exists, known := c.current(collection, id); known {
		if !exists {
			return types.Ack{Matched: 1}, nil
		}
		next, err := types.ApplyUpdate(cur, update)
		if err != nil {
			return types.Ack{}, err
		}
		durable, err := c.commit(ctx, collection, id, next)
		return types.Ack{Matched: 1, Durable: durable}, err
	}

	if c.deletes.Load() == deletes {
		c.mu.Lock()
		c.setLocked(collection, id, doc, false)
		c.mu.Unlock()
	}
	return types.Ack{Matched: 1, Durable: true}, nil
}

// updateLocal updates the in-memory copy of id, if it still matches filter.
// done is false if it no longer does.
func (c *DocumentCache) updateLocal(ctx context.Context, collection, id string, filter types.Filter, update types.Update) (ack types.Ack, done bool, err error) {
	var unlock = c.locks.Lock(id)
	defer c.evictOverflow(ctx)
	defer unlock()

	var cur, exists, _ = c.current(collection, id)
	if !exists || !filter.Matches(cur) {
		return types.Ack{}, false, nil
	}
	next, err := types.ApplyUpdate(cur, update)
	if err != nil {
		return types.Ack{}, true, err
	}
	durable, err := c.commit(ctx, collection, id, next)
	return types.Ack{Matched: 1, Durable: durable}, true, err
}

/*
DeleteOne deletes the first document matching filter.

A document held in memory is dropped from it and its delete is pushed like
any other write: a delete the store does not confirm is retried in the
background. So is a delete by bare id of a document only the store holds,
which is then reported as matched. Otherwise the store deletes directly.
*/
func (c *DocumentCache) DeleteOne(ctx context.Context, collection string, filter types.Filter) (types.Ack, error) {
	if c.closed.Load() {
		return types.Ack{}, types.ErrClosed
	}

	var id, byID = filter.ID()
	if !byID {
		id, byID = c.localTarget(collection, filter)
	}
	if byID {
		var unlock = c.locks.Lock(id)
		defer unlock()
		return c.deleteLocked(ctx, collection, id, filter)
	}

	c.deletes.Add(1)
	var doc, err = c.engine.Store.DeleteOne(ctx, collection, filter)
	if err != nil {
		return types.Ack{}, unavailable(err, "deleting from %s", collection)
	} else if doc == nil {
		return types.Ack{}, nil
	}
	return types.Ack{Matched: 1, Durable: true}, nil
}

// deleteLocked deletes id if it matches filter. The caller holds the id's lock.
func (c *DocumentCache) deleteLocked(ctx context.Context, collection, id string, filter types.Filter) (types.Ack, error) {
	var cur, exists, known = c.current(collection, id)

	if known && !(exists && filter.Matches(cur)) {
		return types.Ack{}, nil
	}
	c.deletes.Add(1)

	if !known {
		var doc, err = c.engine.Store.DeleteOne(ctx, collection, filter)
		if err == nil {
			if doc == nil {
				return types.Ack{}, nil
			}
			return types.Ack{Matched: 1, Durable: true}, nil
		}
		// Only a delete by bare id can be retried as a tombstone of id.
		if pinned, ok := filter.OnlyID(); !ok || pinned != id {
			return types.Ack{}, unavailable(err, "deleting from %s", collection)
		}
		log.WithFields(log.Fields{
			"id":   id,
			"coll": collection,
			"err":  err,
		}).Warn("store delete failed; pushing a tombstone")
	}

	c.mu.Lock()
	c.removeLocked(id)
	var w = writepolicy.Write{
		ID:         id,
		Collection: collection,
		Deleted:    true,
		Version:    c.version.Add(1),
	}
	c.mu.Unlock()

	var durable, err = c.engine.Persist(ctx, w)
	return types.Ack{Matched: 1, Durable: durable}, err
}

// Sweep drops every expired document, writing back dirty ones first, and
// returns how many were dropped.
func (c *DocumentCache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	var ids []string
	for id, ent := range c.entries {
		if c.engine.IsExpired(ent) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var n int
	for _, id := range ids {
		var unlock = c.locks.Lock(id)
		if c.discardLocked(ctx, id, true) {
			n++
		}
		unlock()
	}
	return n
}

/*
Flush pushes every dirty document to the store and waits for one attempt at
every pending write. It fails if a dirty document is neither stored nor
recorded in the recovery log.
*/
func (c *DocumentCache) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return types.ErrClosed
	}
	return c.flush(ctx)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	metrics.Snapshot
	// Entries is the number of cached documents.
	Entries int
	// Dirty is the number of cached documents not yet confirmed by the store.
	Dirty int
}

// Stats returns the cache's counters and occupancy.
func (c *DocumentCache) Stats() Stats {
	var s = Stats{Snapshot: c.counters.Snapshot()}

	c.mu.Lock()
	s.Entries = len(c.entries)
	for _, ent := range c.entries {
		if ent.Dirty {
			s.Dirty++
		}
	}
	c.mu.Unlock()

	return s
}

func (c *DocumentCache) flush(ctx context.Context) error {
	c.mu.Lock()
	var ids []string
	for id, ent := range c.entries {
		if ent.Dirty {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		var unlock = c.locks.Lock(id)

		c.mu.Lock()
		var ent, ok = c.entries[id]
		var w writepolicy.Write
		if ok && ent.Dirty {
			w = writeOf(ent)
		}
		c.mu.Unlock()

		if w.ID != "" {
			var durable, err = c.engine.Persist(ctx, w)
			if durable {
				c.markClean(w.ID, w.Version)
			} else if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		unlock()
	}

	if c.writeBack != nil {
		if n := c.writeBack.Drain(ctx); n != 0 {
			log.WithField("pending", n).Warn("writes remain pending after flush")
		}
	}
	return firstErr
}

// findCached serves a match from memory. Expired matches are dropped on
// the way, unless they are dirty and cannot be recorded.
func (c *DocumentCache) findCached(ctx context.Context, collection string, filter types.Filter) (types.Document, bool) {
	for {
		c.mu.Lock()
		var ent = c.lookupLocked(collection, filter)
		if ent == nil {
			c.mu.Unlock()
			return nil, false
		}
		var id = ent.ID

		if !c.engine.IsExpired(ent) {
			c.engine.OnRead(ent)
			c.eviction.OnGet(id)
			var doc = ent.Doc.Clone()
			c.mu.Unlock()
			return doc, true
		}
		c.mu.Unlock()

		var unlock = c.locks.Lock(id)
		var dropped = c.discardLocked(ctx, id, true)

		if !dropped {
			c.mu.Lock()
			if ent = c.entries[id]; ent != nil && ent.Collection == collection && filter.Matches(ent.Doc) {
				c.engine.OnRead(ent)
				c.eviction.OnGet(id)
				var doc = ent.Doc.Clone()
				c.mu.Unlock()
				unlock()
				return doc, true
			}
			c.mu.Unlock()
		}
		unlock()
	}
}

// lookupLocked returns the cached entry of collection matching filter, if
// any. Among several, the smallest id wins.
func (c *DocumentCache) lookupLocked(collection string, filter types.Filter) *types.CacheEntry {
	if id, ok := filter.ID(); ok {
		if ent := c.entries[id]; ent != nil && ent.Collection == collection && filter.Matches(ent.Doc) {
			return ent
		}
		return nil
	}

	var found *types.CacheEntry
	for id := range c.byColl[collection] {
		var ent = c.entries[id]
		if filter.Matches(ent.Doc) && (found == nil || id < found.ID) {
			found = ent
		}
	}
	return found
}

// localTarget returns the id of a document matching filter held in memory
// or pending with the write policy.
func (c *DocumentCache) localTarget(collection string, filter types.Filter) (string, bool) {
	c.mu.Lock()
	var ent = c.lookupLocked(collection, filter)
	c.mu.Unlock()

	if ent != nil {
		return ent.ID, true
	}
	if w, ok := c.engine.WritePolicy.Pending(collection, filter); ok && !w.Deleted {
		return w.ID, true
	}
	return "", false
}

// current returns the newest local copy of id. known is false if there is
// none, and exists is false if the newest local state is a delete.
// The caller holds the id's lock.
func (c *DocumentCache) current(collection, id string) (doc types.Document, exists, known bool) {
	c.mu.Lock()
	if ent, ok := c.entries[id]; ok {
		doc = ent.Doc.Clone()
		exists = ent.Collection == collection
		c.mu.Unlock()
		return doc, exists, true
	}
	c.mu.Unlock()

	if w, ok := c.engine.WritePolicy.Pending(collection, types.Filter{types.IDField: id}); ok {
		return w.Doc, !w.Deleted, true
	}
	return nil, false, false
}

// newerThan returns what a read matching pending write w should see. A
// cached copy of the id, being mutated right now, supersedes w.
func (c *DocumentCache) newerThan(w writepolicy.Write, collection string, filter types.Filter) types.Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.entries[w.ID]; ok {
		if ent.Collection == collection && filter.Matches(ent.Doc) {
			return ent.Doc.Clone()
		}
		return nil
	}
	if w.Deleted {
		return nil
	}
	return w.Doc
}

// admit caches a document fetched for filter, unless a newer local copy of
// it exists, and returns what the read should see. shadowed is set if a newer
// local copy no longer matches filter.
func (c *DocumentCache) admit(ctx context.Context, collection string, filter types.Filter, doc types.Document, deletes uint64) (_ types.Document, shadowed bool) {
	var id = doc.ID()
	if id == "" {
		return doc, false
	}
	var unlock = c.locks.Lock(id)
	defer c.evictOverflow(ctx)
	defer unlock()

	if cur, exists, known := c.current(collection, id); known {
		if exists && filter.Matches(cur) {
			return cur, false
		}
		return nil, true
	}
	// A delete which raced the fetch may have removed doc from the store.
	if c.deletes.Load() != deletes {
		return doc, false
	}

	c.mu.Lock()
	c.setLocked(collection, id, doc.Clone(), false)
	c.mu.Unlock()

	return doc, false
}

// commit makes doc the newest dirty value of id and pushes it through the
// write policy. The caller holds the id's lock.
func (c *DocumentCache) commit(ctx context.Context, collection, id string, doc types.Document) (bool, error) {
	c.mu.Lock()
	var ent = c.setLocked(collection, id, doc, true)
	var w = writeOf(ent)
	c.mu.Unlock()

	var durable, err = c.engine.Persist(ctx, w)
	if durable {
		c.markClean(id, w.Version)
	}
	return durable, err
}

// markClean clears the dirty flag of id if version is still its newest.
func (c *DocumentCache) markClean(id string, version uint64) {
	c.mu.Lock()
	if ent, ok := c.entries[id]; ok && ent.Version == version {
		ent.Dirty = false
	}
	c.mu.Unlock()
}

// evictOverflow discards documents while the cache is over capacity.
// Victims which are locked elsewhere are passed over for now. A victim whose
// write cannot be recorded ends the round, leaving the cache over capacity.
func (c *DocumentCache) evictOverflow(ctx context.Context) {
	c.mu.Lock()
	var budget = c.eviction.Len()
	c.mu.Unlock()

	for ; budget > 0; budget-- {
		c.mu.Lock()
		if len(c.entries) <= c.cfg.Capacity {
			c.mu.Unlock()
			return
		}
		var id, ok = c.eviction.Victim()
		c.mu.Unlock()

		if !ok {
			return
		}
		var unlock, locked = c.locks.TryLock(id)
		if !locked {
			c.deferVictim(id)
			continue
		}
		var dropped = c.discardLocked(ctx, id, false)
		unlock()

		if !dropped {
			c.deferVictim(id)
			return
		}
	}
}

func (c *DocumentCache) deferVictim(id string) {
	c.mu.Lock()
	c.eviction.Defer(id)
	c.mu.Unlock()
}

/*
discardLocked drops id from memory. A dirty entry is first handed to the
write policy's OnEvict, and stays cached if that fails.

With expired set, only an entry which is still expired is dropped. The
caller holds the id's lock.
*/
func (c *DocumentCache) discardLocked(ctx context.Context, id string, expired bool) bool {
	c.mu.Lock()
	var ent, ok = c.entries[id]
	if !ok {
		c.eviction.Remove(id)
		c.mu.Unlock()
		return true
	}
	if expired && !c.engine.IsExpired(ent) {
		c.mu.Unlock()
		return true
	}
	var dirty = ent.Dirty
	var w = writeOf(ent)
	c.mu.Unlock()

	if dirty {
		if err := c.engine.WritePolicy.OnEvict(ctx, w); err != nil {
			log.WithFields(log.Fields{
				"id":      id,
				"coll":    w.Collection,
				"expired": expired,
				"err":     err,
			}).Error("failed to discard dirty document")
			return false
		}
	}

	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()

	if expired {
		c.engine.Metrics.Expire()
	} else {
		c.engine.Metrics.Eviction()
	}
	log.WithFields(log.Fields{
		"id":      id,
		"coll":    w.Collection,
		"dirty":   dirty,
		"expired": expired,
	}).Debug("discarded document")

	return true
}

// setLocked stores doc as the value of id under a new version.
func (c *DocumentCache) setLocked(collection, id string, doc types.Document, dirty bool) *types.CacheEntry {
	var ent, ok = c.entries[id]
	if !ok {
		ent = &types.CacheEntry{ID: id}
		c.entries[id] = ent
	} else if ent.Collection != collection {
		delete(c.byColl[ent.Collection], id)
	}

	var ids, ok2 = c.byColl[collection]
	if !ok2 {
		ids = make(map[string]struct{})
		c.byColl[collection] = ids
	}
	ids[id] = struct{}{}

	ent.Collection = collection
	ent.Doc = doc
	ent.Version = c.version.Add(1)
	ent.Dirty = dirty

	c.engine.OnWrite(ent)
	c.eviction.OnPut(id)
	return ent
}

func (c *DocumentCache) removeLocked(id string) {
	if ent, ok := c.entries[id]; ok {
		delete(c.byColl[ent.Collection], id)
		if len(c.byColl[ent.Collection]) == 0 {
			delete(c.byColl, ent.Collection)
		}
		delete(c.entries, id)
	}
	c.eviction.Remove(id)
}

func (c *DocumentCache) sweepLoop() {
	defer close(c.sweepDone)

	var ticker = time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			if n := c.Sweep(context.Background()); n != 0 {
				log.WithField("dropped", n).Debug("swept expired documents")
			}
		}
	}
}

func writeOf(ent *types.CacheEntry) writepolicy.Write {
	return writepolicy.Write{
		ID:         ent.ID,
		Collection: ent.Collection,
		Doc:        ent.Doc.Clone(),
		Version:    ent.Version,
	}
}

// unavailable wraps a store error as types.ErrStoreUnavailable.
func unavailable(err error, format string, args ...any) error {
	return errors.Wrapf(types.ErrStoreUnavailable, format+": %s", append(args, err)...)
}

var _ api.DocumentCache = (*DocumentCache)(nil)
var _ api.Index = (*IndexCache)(nil)

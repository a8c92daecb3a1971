package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/krisalay/doccache"
	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/store/memstore"
	"github.com/krisalay/doccache/types"
)

const (
	logDir = "/var/lib/doccache"
	users  = "users"
)

//
// ================= TEST RECOVERY LOG =================
//

// flakyLog is a FileLog which can be made to fail.
type flakyLog struct {
	*recoverylog.FileLog
	failing atomic.Bool
}

func (l *flakyLog) Put(rec recoverylog.Record) error {
	if l.failing.Load() {
		return errors.New("disk full")
	}
	return l.FileLog.Put(rec)
}

func (l *flakyLog) Remove(id string) error {
	if l.failing.Load() {
		return errors.New("disk full")
	}
	return l.FileLog.Remove(id)
}

//
// ================= HELPER: CREATE CACHE (WRITE-BACK MODE) =================
//

type harness struct {
	t     *testing.T
	fs    afero.Fs
	store *memstore.Store
	log   *flakyLog
	cache *cache.DocumentCache
}

func testConfig() cache.Config {
	var cfg = cache.DefaultConfig()
	cfg.Capacity = 100
	cfg.SweepInterval = 0
	cfg.RetryBase = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	cfg.LogRetries = -1
	return cfg
}

func newHarness(t *testing.T, configure ...func(*cache.Config)) *harness {
	var h = &harness{
		t:     t,
		fs:    afero.NewMemMapFs(),
		store: memstore.New(),
	}
	var cfg = testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}
	h.cache = h.open(h.store, cfg)
	return h
}

// open starts a cache over store, with a fresh FileLog of h's directory.
func (h *harness) open(store *memstore.Store, cfg cache.Config) *cache.DocumentCache {
	var fl, err = recoverylog.OpenFileLog(h.fs, logDir, 0)
	require.NoError(h.t, err)
	h.log = &flakyLog{FileLog: fl}

	c, err := cache.New(cfg, store, h.log)
	require.NoError(h.t, err)
	require.NoError(h.t, c.Start(context.Background()))

	h.t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// recorded returns the recovery record of id across every slot.
func (h *harness) recorded(id string) (recoverylog.Record, bool) {
	var recs, err = recoverylog.ReadDir(h.fs, logDir)
	require.NoError(h.t, err)

	for _, rec := range recs {
		if rec.ID == id {
			return rec, true
		}
	}
	return recoverylog.Record{}, false
}

// durable reports whether want is the recorded or stored value of id.
// The log is read first: a record is removed only after the store has the value.
func (h *harness) durable(collection, id string, want types.Document) bool {
	if rec, ok := h.recorded(id); ok {
		return types.ValuesEqual(rec.Doc, want)
	}
	var doc, ok = h.store.Get(collection, id)
	return ok && types.ValuesEqual(doc, want)
}

func (h *harness) stored(collection, id string) types.Document {
	var doc, _ = h.store.Get(collection, id)
	return doc
}

//
// ================= BASIC OPERATIONS =================
//

func TestInsertThenFindServesFromMemory(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)

	id, err := h.cache.InsertOne(ctx, users, types.Document{"name": "ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	h.store.ResetCalls()

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": id})
	require.NoError(t, err)
	assert.Equal(t, types.Document{"id": id, "name": "ada"}, doc)

	doc, err = h.cache.FindOne(ctx, users, types.Filter{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID())

	assert.Equal(t, 0, h.store.Calls(memstore.MethodFindOne))
	assert.Equal(t, uint64(2), h.cache.Stats().Hits)

	// Callers get copies.
	doc["name"] = "bob"
	doc, _ = h.cache.FindOne(ctx, users, types.Filter{"id": id})
	assert.Equal(t, "ada", doc["name"])
}

func TestFindByFieldAmongSeveral(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.Seed("items",
		types.Document{"id": "1", "price": int64(10)},
		types.Document{"id": "2", "price": int64(20)},
		types.Document{"id": "3", "price": int64(30)},
	)

	doc, err := h.cache.FindOne(ctx, "items", types.Filter{"price": 20})
	require.NoError(t, err)
	assert.Equal(t, "2", doc.ID())

	doc, err = h.cache.FindOne(ctx, "items", types.Filter{"price": 20})
	require.NoError(t, err)
	assert.Equal(t, "2", doc.ID())
	assert.Equal(t, 1, h.store.Calls(memstore.MethodFindOne))

	// Collections are distinct.
	doc, err = h.cache.FindOne(ctx, "other", types.Filter{"price": 20})
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc, err = h.cache.FindOne(ctx, "items", types.Filter{"price": 25})
	require.NoError(t, err)
	assert.Nil(t, doc)

	var stats = h.cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestFindSkipsStoredMatchSupersededInMemory(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t, func(cfg *cache.Config) {
		cfg.RetryBase = time.Hour
		cfg.RetryMax = time.Hour
	})
	h.store.Seed(users,
		types.Document{"id": "x", "status": "new"},
		types.Document{"id": "y", "status": "new"},
	)

	_, err := h.cache.FindOne(ctx, users, types.Filter{"id": "x"})
	require.NoError(t, err)

	// x no longer matches in memory, while the store still has the old x.
	h.store.FailNext(1)
	ack, err := h.cache.UpdateOne(ctx, users, types.Filter{"id": "x"},
		types.Update{types.OpSet: {"status": "old"}}, false)
	require.NoError(t, err)
	assert.False(t, ack.Durable)
	assert.Equal(t, "new", h.stored(users, "x")["status"])

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"status": "new"})
	require.NoError(t, err)
	assert.Equal(t, types.Document{"id": "y", "status": "new"}, doc)
	assert.Equal(t, 1, h.store.Calls(memstore.MethodFindDistinct))

	// With nothing else matching, the read is a miss.
	doc, err = h.cache.FindOne(ctx, users, types.Filter{"id": "x", "status": "new"})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestStoreFailures(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.SetFailing(true)

	_, err := h.cache.InsertOne(ctx, users, types.Document{"name": "ada"})
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.Equal(t, 0, h.cache.Stats().Entries)

	_, err = h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))

	_, err = h.cache.UpdateOne(ctx, users, types.Filter{"id": "a"}, types.Update{types.OpSet: {"x": 1}}, false)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
}

//
// ================= REPLACE / UPDATE / DELETE =================
//

func TestReplaceOne(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.Seed(users, types.Document{"id": "a", "v": int64(1)})

	// Not cached: the store confirms the target exists.
	ack, err := h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "a", "v": int64(2)}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: true}, ack)
	assert.Equal(t, types.Document{"id": "a", "v": int64(2)}, h.stored(users, "a"))

	// Targeted through the filter.
	ack, err = h.cache.ReplaceOne(ctx, users, types.Filter{"v": 2}, types.Document{"v": int64(3)}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: true}, ack)
	assert.Equal(t, types.Document{"id": "a", "v": int64(3)}, h.stored(users, "a"))

	// Nothing matches.
	ack, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "zz"}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{}, ack)
	ack, err = h.cache.ReplaceOne(ctx, users, types.Filter{"v": 99}, types.Document{"v": int64(4)}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{}, ack)

	// Upserts, with and without an id.
	ack, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "b"}, true)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{UpsertedID: "b", Durable: true}, ack)

	ack, err = h.cache.ReplaceOne(ctx, users, types.Filter{"v": 99}, types.Document{"v": int64(99)}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.UpsertedID)
	assert.Equal(t, types.Document{"id": ack.UpsertedID, "v": int64(99)}, h.stored(users, ack.UpsertedID))
}

func TestReplaceNotConfirmedIsRetried(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)

	id, err := h.cache.InsertOne(ctx, users, types.Document{"v": int64(1)})
	require.NoError(t, err)

	h.store.FailNext(1)
	ack, err := h.cache.ReplaceOne(ctx, users, types.Filter{"id": id}, types.Document{"id": id, "v": int64(2)}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: false}, ack)

	// The in-memory value is current, and durable through the log or store.
	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": id})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc["v"])
	assert.True(t, h.durable(users, id, doc))

	require.Eventually(t, func() bool {
		return h.cache.Stats().Dirty == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, doc, h.stored(users, id))
	_, ok := h.recorded(id)
	assert.False(t, ok)
}

func TestNotDurableWhenLogFails(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)

	id, err := h.cache.InsertOne(ctx, users, types.Document{"v": int64(1)})
	require.NoError(t, err)

	h.store.SetFailing(true)
	h.log.failing.Store(true)

	ack, err := h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": id, "v": int64(2)}, false)
	assert.True(t, errors.Is(err, types.ErrNotDurable))
	assert.False(t, ack.Durable)

	// The mutation was still applied in memory.
	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": id})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc["v"])
	assert.Equal(t, 1, h.cache.Stats().Dirty)

	h.log.failing.Store(false)
	h.store.SetFailing(false)
	require.Eventually(t, func() bool { return h.cache.Stats().Dirty == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), h.stored(users, id)["v"])
}

func TestUpdateOne(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.Seed(users, types.Document{"id": "a", "coins": int64(1)})

	// Not cached: the store applies the update, and the result is cached.
	ack, err := h.cache.UpdateOne(ctx, users, types.Filter{"id": "a"}, types.Update{types.OpInc: {"coins": 2}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: true}, ack)
	assert.Equal(t, 1, h.store.Calls(memstore.MethodUpdateOne))

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc["coins"])
	assert.Equal(t, 0, h.store.Calls(memstore.MethodFindOne))

	// Cached: applied in memory and written back as a snapshot.
	ack, err = h.cache.UpdateOne(ctx, users, types.Filter{"coins": 3}, types.Update{
		types.OpInc:  {"coins": 4},
		types.OpPush: {"badges": "gold"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: true}, ack)
	assert.Equal(t, 1, h.store.Calls(memstore.MethodUpdateOne))
	assert.Equal(t, types.Document{"id": "a", "coins": int64(7), "badges": []any{"gold"}}, h.stored(users, "a"))

	// Malformed updates never reach memory or the store.
	_, err = h.cache.UpdateOne(ctx, users, types.Filter{"id": "a"}, types.Update{types.OpInc: {"coins": "x"}}, false)
	assert.True(t, errors.Is(err, types.ErrBadUpdate))
	_, err = h.cache.UpdateOne(ctx, users, types.Filter{"id": "a"}, types.Update{types.OpSet: {"id": "b"}}, false)
	assert.True(t, errors.Is(err, types.ErrBadUpdate))

	ack, err = h.cache.UpdateOne(ctx, users, types.Filter{"id": "zz"}, types.Update{types.OpSet: {"x": 1}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{}, ack)
}

func TestDeleteOne(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.Seed(users,
		types.Document{"id": "a"},
		types.Document{"id": "b"},
		types.Document{"id": "c"},
	)

	// Cached.
	_, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	ack, err := h.cache.DeleteOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: true}, ack)
	assert.Nil(t, h.stored(users, "a"))

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Nil(t, doc)

	// Not cached.
	ack, err = h.cache.DeleteOne(ctx, users, types.Filter{"id": "b"})
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: true}, ack)
	assert.Nil(t, h.stored(users, "b"))

	// A delete the store refuses is retried, and hides the document meanwhile.
	_, err = h.cache.FindOne(ctx, users, types.Filter{"id": "c"})
	require.NoError(t, err)

	h.store.SetFailing(true)
	ack, err = h.cache.DeleteOne(ctx, users, types.Filter{"id": "c"})
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: false}, ack)

	doc, err = h.cache.FindOne(ctx, users, types.Filter{"id": "c"})
	require.NoError(t, err)
	assert.Nil(t, doc)

	rec, ok := h.recorded("c")
	require.True(t, ok)
	assert.True(t, rec.Deleted)

	h.store.SetFailing(false)
	require.Eventually(t, func() bool { return h.store.Len(users) == 0 }, time.Second, time.Millisecond)
}

func TestDeleteByIDOfUncachedDocumentIsRetried(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.Seed(users,
		types.Document{"id": "x", "name": "x"},
		types.Document{"id": "y", "name": "y"},
	)
	h.store.SetFailing(true)

	ack, err := h.cache.DeleteOne(ctx, users, types.Filter{"id": "x"})
	require.NoError(t, err)
	assert.Equal(t, types.Ack{Matched: 1, Durable: false}, ack)

	rec, ok := h.recorded("x")
	require.True(t, ok)
	assert.True(t, rec.Deleted)
	assert.Equal(t, users, rec.Collection)

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": "x"})
	require.NoError(t, err)
	assert.Nil(t, doc)

	// Other filters can't name what to tombstone, so the failure is returned.
	_, err = h.cache.DeleteOne(ctx, users, types.Filter{"name": "y"})
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	_, err = h.cache.DeleteOne(ctx, users, types.Filter{"id": "y", "name": "y"})
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))

	_, ok = h.recorded("y")
	assert.False(t, ok)

	h.store.SetFailing(false)
	require.Eventually(t, func() bool { return h.store.Len(users) == 1 }, time.Second, time.Millisecond)
	assert.Nil(t, h.stored(users, "x"))
	assert.NotNil(t, h.stored(users, "y"))

	require.Eventually(t, func() bool {
		var _, ok = h.recorded("x")
		return !ok
	}, time.Second, time.Millisecond)
}

//
// ================= CAPACITY & EVICTION =================
//

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t, func(cfg *cache.Config) { cfg.Capacity = 2 })

	a, err := h.cache.InsertOne(ctx, users, types.Document{"name": "a"})
	require.NoError(t, err)
	b, err := h.cache.InsertOne(ctx, users, types.Document{"name": "b"})
	require.NoError(t, err)

	// Dirty a, then touch b, so that a is least recently used.
	h.store.FailNext(1)
	ack, err := h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": a, "name": "a2"}, false)
	require.NoError(t, err)
	assert.False(t, ack.Durable)
	_, err = h.cache.FindOne(ctx, users, types.Filter{"id": b})
	require.NoError(t, err)

	_, err = h.cache.InsertOne(ctx, users, types.Document{"name": "c"})
	require.NoError(t, err)

	var stats = h.cache.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)

	// The evicted value is never lost.
	var want = types.Document{"id": a, "name": "a2"}
	assert.True(t, h.durable(users, a, want))

	require.Eventually(t, func() bool {
		return types.ValuesEqual(h.stored(users, a), want)
	}, time.Second, time.Millisecond)

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": a})
	require.NoError(t, err)
	assert.Equal(t, want, doc)
}

func TestEvictedDocumentsAreAlwaysDurable(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t, func(cfg *cache.Config) { cfg.Capacity = 4 })

	var want = make(map[string]types.Document)
	for i := 0; i != 32; i++ {
		var id = fmt.Sprintf("doc-%02d", i)
		h.store.Seed(users, types.Document{"id": id, "n": int64(0)})
	}
	for i := 0; i != 32; i++ {
		var id = fmt.Sprintf("doc-%02d", i)

		_, err := h.cache.FindOne(ctx, users, types.Filter{"id": id})
		require.NoError(t, err)

		// Every third store write fails. Background retries may absorb the
		// failure in place of this write.
		if i%3 == 0 {
			h.store.FailNext(1)
		}
		_, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": id, "n": int64(i + 1)}, false)
		require.NoError(t, err)
		want[id] = types.Document{"id": id, "n": int64(i + 1)}
	}

	assert.LessOrEqual(t, h.cache.Stats().Entries, 4)
	for id := range want {
		doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": id})
		require.NoError(t, err)
		assert.Equal(t, want[id], doc)
	}
}

func TestEvictionWaitsForTheRecoveryLog(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t, func(cfg *cache.Config) {
		cfg.Capacity = 1
		cfg.RetryBase = time.Hour
		cfg.RetryMax = time.Hour
	})

	a, err := h.cache.InsertOne(ctx, users, types.Document{"name": "a"})
	require.NoError(t, err)

	h.log.failing.Store(true)
	h.store.FailNext(1)
	_, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": a, "name": "a2"}, false)
	require.True(t, errors.Is(err, types.ErrNotDurable))

	// a can't be recorded, so it stays cached beyond capacity.
	_, err = h.cache.InsertOne(ctx, users, types.Document{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.cache.Stats().Entries)

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": a})
	require.NoError(t, err)
	assert.Equal(t, "a2", doc["name"])

	h.log.failing.Store(false)
	_, err = h.cache.InsertOne(ctx, users, types.Document{"name": "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.cache.Stats().Entries)
	assert.True(t, h.durable(users, a, types.Document{"id": a, "name": "a2"}))
}

//
// ================= RECOVERY =================
//

func TestStartReplaysRecoveryLog(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	var seed = []types.Document{
		{"id": "a", "coins": int64(1)},
		{"id": "b", "coins": int64(1)},
		{"id": "gone", "coins": int64(1)},
	}
	h.store.Seed(users, seed...)

	for _, d := range seed {
		_, err := h.cache.FindOne(ctx, users, types.Filter{"id": d.ID()})
		require.NoError(t, err)
	}

	// The store goes away for good. Mutations are recorded, not stored.
	h.store.SetFailing(true)

	_, err := h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "a", "coins": int64(10)}, false)
	require.NoError(t, err)
	_, err = h.cache.UpdateOne(ctx, users, types.Filter{"id": "b"}, types.Update{types.OpInc: {"coins": 5}}, false)
	require.NoError(t, err)
	_, err = h.cache.DeleteOne(ctx, users, types.Filter{"id": "gone"})
	require.NoError(t, err)

	// Without closing the first cache, as if it crashed, a second one
	// starts over a fresh copy of the store and the same log directory.
	var fresh = memstore.New()
	fresh.Seed(users, seed...)
	var restarted = h.open(fresh, testConfig())

	a, _ := fresh.Get(users, "a")
	assert.Equal(t, types.Document{"id": "a", "coins": int64(10)}, a)
	b, _ := fresh.Get(users, "b")
	assert.Equal(t, types.Document{"id": "b", "coins": int64(6)}, b)
	_, ok := fresh.Get(users, "gone")
	assert.False(t, ok)

	assert.Equal(t, uint64(3), restarted.Stats().Replayed)

	recs, err := recoverylog.ReadDir(h.fs, logDir)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReplayFailuresStayPending(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()

	fl, err := recoverylog.OpenFileLog(fs, logDir, 0)
	require.NoError(t, err)
	require.NoError(t, fl.Put(recoverylog.Record{ID: "a", Collection: users, Doc: types.Document{"id": "a", "v": int64(2)}}))

	var store = memstore.New()
	store.Seed(users, types.Document{"id": "a", "v": int64(1)})
	store.SetFailing(true)

	fl, err = recoverylog.OpenFileLog(fs, logDir, 0)
	require.NoError(t, err)
	c, err := cache.New(testConfig(), store, fl)
	require.NoError(t, err)
	defer c.Close(ctx)
	require.NoError(t, c.Start(ctx))

	assert.Equal(t, uint64(1), c.Stats().ReplayFailures)

	// The replayed value is served while the store is down.
	doc, err := c.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc["v"])

	store.SetFailing(false)
	require.Eventually(t, func() bool {
		var doc, _ = store.Get(users, "a")
		return doc["v"] == int64(2)
	}, time.Second, time.Millisecond)
}

func TestStartFailsOnCorruptLog(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, logDir+"/recovery.0.log", []byte("garbage\n"), 0o640))

	fl, err := recoverylog.OpenFileLog(fs, logDir, 0)
	require.NoError(t, err)
	c, err := cache.New(testConfig(), memstore.New(), fl)
	require.NoError(t, err)

	err = c.Start(context.Background())
	assert.True(t, errors.Is(err, recoverylog.ErrCorrupt))
	assert.NoError(t, c.Close(context.Background()))
}

//
// ================= TTL TEST =================
//

func TestIdleDocumentExpires(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t, func(cfg *cache.Config) { cfg.TTL = time.Minute })
	var now = time.Unix(1000, 0)
	h.cache.SetClock(func() time.Time { return now })

	h.store.Seed(users, types.Document{"id": "a"})

	_, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Calls(memstore.MethodFindOne))

	// Reads slide the TTL.
	now = now.Add(50 * time.Second)
	_, err = h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	now = now.Add(50 * time.Second)
	_, err = h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Calls(memstore.MethodFindOne))

	now = now.Add(61 * time.Second)
	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", doc.ID())
	assert.Equal(t, 2, h.store.Calls(memstore.MethodFindOne))
	assert.Equal(t, uint64(1), h.cache.Stats().Expirations)
}

func TestSweepDropsExpiredDocuments(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t, func(cfg *cache.Config) {
		cfg.TTL = time.Minute
		cfg.RetryBase = time.Hour
		cfg.RetryMax = time.Hour
	})
	var now = time.Unix(1000, 0)
	h.cache.SetClock(func() time.Time { return now })

	_, err := h.cache.InsertOne(ctx, users, types.Document{"id": "clean"})
	require.NoError(t, err)
	_, err = h.cache.InsertOne(ctx, users, types.Document{"id": "dirty"})
	require.NoError(t, err)

	h.store.FailNext(1)
	_, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "dirty", "v": int64(2)}, false)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, h.cache.Sweep(ctx))

	now = now.Add(time.Hour)
	assert.Equal(t, 2, h.cache.Sweep(ctx))
	assert.Equal(t, 0, h.cache.Stats().Entries)
	assert.True(t, h.durable(users, "dirty", types.Document{"id": "dirty", "v": int64(2)}))
}

//
// ================= CONCURRENCY TEST =================
//

func TestConcurrentReplacesOfOneDocument(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)

	_, err := h.cache.InsertOne(ctx, users, types.Document{"id": "a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i != 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "a", "by": int64(i)}, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	require.NoError(t, err)
	assert.Contains(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, doc["by"])

	// The store ends up with the same winner.
	require.NoError(t, h.cache.Flush(ctx))
	assert.Equal(t, doc, h.stored(users, "a"))
}

func TestConcurrentFindsShareOneFetch(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.store.Seed(users, types.Document{"id": "a"})
	h.store.SetDelay(20 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i != 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
			assert.NoError(t, err)
			assert.Equal(t, "a", doc.ID())
		}()
	}
	wg.Wait()

	assert.Less(t, h.store.Calls(memstore.MethodFindOne), 10)
}

//
// ================= LIFECYCLE =================
//

func TestWriteThroughWithoutLog(t *testing.T) {
	var ctx = context.Background()
	var store = memstore.New()

	c, err := cache.New(testConfig(), store, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	id, err := c.InsertOne(ctx, users, types.Document{"v": int64(1)})
	require.NoError(t, err)

	store.FailNext(1)
	ack, err := c.ReplaceOne(ctx, users, nil, types.Document{"id": id, "v": int64(2)}, false)
	assert.True(t, errors.Is(err, types.ErrNotDurable))
	assert.False(t, ack.Durable)
	assert.Equal(t, 1, c.Stats().Dirty)

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Stats().Dirty)

	doc, _ := store.Get(users, id)
	assert.Equal(t, int64(2), doc["v"])
	require.NoError(t, c.Close(ctx))
}

func TestClosedCache(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)

	_, err := h.cache.InsertOne(ctx, users, types.Document{"id": "a"})
	require.NoError(t, err)

	h.store.FailNext(1)
	_, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "a", "v": int64(2)}, false)
	require.NoError(t, err)

	// Close writes back dirty documents.
	require.NoError(t, h.cache.Close(ctx))
	assert.Equal(t, int64(2), h.stored(users, "a")["v"])
	require.NoError(t, h.cache.Close(ctx))

	_, err = h.cache.FindOne(ctx, users, types.Filter{"id": "a"})
	assert.True(t, errors.Is(err, types.ErrClosed))
	_, err = h.cache.InsertOne(ctx, users, types.Document{})
	assert.True(t, errors.Is(err, types.ErrClosed))
	_, err = h.cache.ReplaceOne(ctx, users, nil, types.Document{"id": "a"}, false)
	assert.True(t, errors.Is(err, types.ErrClosed))
	_, err = h.cache.UpdateOne(ctx, users, nil, types.Update{types.OpSet: {"x": 1}}, false)
	assert.True(t, errors.Is(err, types.ErrClosed))
	_, err = h.cache.DeleteOne(ctx, users, nil)
	assert.True(t, errors.Is(err, types.ErrClosed))
	assert.True(t, errors.Is(h.cache.Flush(ctx), types.ErrClosed))
}

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		fn     func(*cache.Config)
		expect string
	}{
		{func(c *cache.Config) { c.Capacity = 0 }, "expected Capacity > 0 (0)"},
		{func(c *cache.Config) { c.TTL = -time.Second }, "expected TTL >= 0 (-1s)"},
		{func(c *cache.Config) { c.Eviction = "LFU" }, `unknown Eviction policy "LFU"`},
		{func(c *cache.Config) { c.Workers = -1 }, "expected Workers >= 0 (-1)"},
	} {
		var cfg = cache.DefaultConfig()
		tc.fn(&cfg)
		assert.EqualError(t, cfg.Validate(), tc.expect)

		_, err := cache.New(cfg, memstore.New(), nil)
		assert.Error(t, err)
	}
	assert.NoError(t, cache.DefaultConfig().Validate())
}

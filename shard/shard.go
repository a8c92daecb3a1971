package shard

import "sync"

/*
Locks is a table of per-id mutexes. All mutations of a document, and every
write of that document to the backing store, hold its id's lock, so writes of
one id are totally ordered while different ids proceed independently.

The table is split into shards, each with its own mutex guarding only the map
of held locks. An id's mutex exists only while someone holds or waits on it.
*/
type Locks struct {
	shards   []*lockShard
	selector Selector
}

type lockShard struct {
	mu   sync.Mutex
	held map[string]*idLock
}

type idLock struct {
	sync.Mutex
	refs int // Holders plus waiters. Guarded by the shard mutex.
}

// NewLocks returns a lock table with the given number of shards (at least one).
func NewLocks(shards int) *Locks {
	if shards < 1 {
		shards = 1
	}
	l := &Locks{
		shards:   make([]*lockShard, shards),
		selector: FNVSelector{},
	}
	for i := range l.shards {
		l.shards[i] = &lockShard{held: make(map[string]*idLock)}
	}
	return l
}

// Lock blocks until the id's lock is held, and returns its release func.
func (l *Locks) Lock(id string) (unlock func()) {
	sh, lk := l.acquire(id)
	lk.Lock()
	return func() { l.release(sh, id, lk) }
}

// TryLock takes the id's lock only if nobody holds it.
func (l *Locks) TryLock(id string) (unlock func(), ok bool) {
	sh, lk := l.acquire(id)
	if !lk.TryLock() {
		l.drop(sh, id, lk)
		return nil, false
	}
	return func() { l.release(sh, id, lk) }, true
}

func (l *Locks) acquire(id string) (*lockShard, *idLock) {
	sh := l.shards[l.selector.Select(id, len(l.shards))]

	sh.mu.Lock()
	lk, ok := sh.held[id]
	if !ok {
		lk = new(idLock)
		sh.held[id] = lk
	}
	lk.refs++
	sh.mu.Unlock()

	return sh, lk
}

func (l *Locks) release(sh *lockShard, id string, lk *idLock) {
	lk.Unlock()
	l.drop(sh, id, lk)
}

func (l *Locks) drop(sh *lockShard, id string, lk *idLock) {
	sh.mu.Lock()
	if lk.refs--; lk.refs == 0 {
		delete(sh.held, id)
	}
	sh.mu.Unlock()
}

// Held returns the number of ids currently locked or waited on.
func (l *Locks) Held() int {
	var n int
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.held)
		sh.mu.Unlock()
	}
	return n
}

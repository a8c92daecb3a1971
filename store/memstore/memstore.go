// Package memstore is an in-memory types.Store with fault injection.
// It backs the cache's tests and the demo command.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/krisalay/doccache/types"
)

// ErrInjected is returned by calls failed through FailNext or SetFailing.
var ErrInjected = errors.New("memstore: injected failure")

// Method names, as counted by Calls.
const (
	MethodFindOne      = "FindOne"
	MethodFindDistinct = "FindDistinct"
	MethodInsertOne    = "InsertOne"
	MethodReplaceOne   = "ReplaceOne"
	MethodUpdateOne    = "UpdateOne"
	MethodDeleteOne    = "DeleteOne"
)

// Store keeps collections of documents in maps.
type Store struct {
	mu       sync.Mutex
	colls    map[string]map[string]types.Document
	calls    map[string]int
	failNext int
	failing  bool
	delay    time.Duration
}

var _ types.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		colls: make(map[string]map[string]types.Document),
		calls: make(map[string]int),
	}
}

// FailNext fails the next n calls, of any method.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetFailing fails every call until cleared.
func (s *Store) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// SetDelay makes every call take d, or until its context is done.
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Calls returns the number of calls of method so far, failed ones included.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// ResetCalls zeroes every call counter.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	s.calls = make(map[string]int)
	s.mu.Unlock()
}

// Seed stores docs directly, bypassing counters and fault injection.
func (s *Store) Seed(collection string, docs ...types.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range docs {
		s.put(collection, d.Clone())
	}
}

// Get returns a copy of the stored document, bypassing counters and fault injection.
func (s *Store) Get(collection, id string) (types.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.colls[collection][id]
	return d.Clone(), ok
}

// Len returns the number of documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.colls[collection])
}

func (s *Store) FindOne(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	if err := s.enter(ctx, MethodFindOne); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, d := s.match(collection, filter)
	return d.Clone(), nil
}

func (s *Store) FindDistinct(ctx context.Context, collection, field string, filter types.Filter) ([]any, error) {
	if err := s.enter(ctx, MethodFindDistinct); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []any
	for _, id := range s.ids(collection) {
		d := s.colls[collection][id]
		v, ok := d[field]
		if !ok || !filter.Matches(d) {
			continue
		}
		var seen bool
		for _, o := range out {
			if types.ValuesEqual(o, v) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc types.Document) (string, error) {
	if err := s.enter(ctx, MethodInsertOne); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc = doc.Clone()
	if doc == nil {
		doc = types.Document{}
	}
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc[types.IDField] = id
	} else if _, ok := s.colls[collection][id]; ok {
		return "", errors.Errorf("duplicate id %q in %s", id, collection)
	}
	s.put(collection, doc)
	return id, nil
}

func (s *Store) ReplaceOne(ctx context.Context, collection string, filter types.Filter, doc types.Document, upsert bool) (bool, error) {
	if err := s.enter(ctx, MethodReplaceOne); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc = doc.Clone()
	if doc == nil {
		doc = types.Document{}
	}
	id, cur := s.match(collection, filter)
	if cur == nil {
		if !upsert {
			return false, nil
		}
		if doc.ID() == "" {
			if fid, ok := filter.ID(); ok {
				doc[types.IDField] = fid
			} else {
				doc[types.IDField] = uuid.NewString()
			}
		}
		s.put(collection, doc)
		return false, nil
	}

	if did := doc.ID(); did != "" && did != id {
		return false, errors.Errorf("replacement id %q differs from matched %q", did, id)
	}
	doc[types.IDField] = cur[types.IDField]
	s.put(collection, doc)
	return true, nil
}

func (s *Store) UpdateOne(ctx context.Context, collection string, filter types.Filter, update types.Update, upsert bool) (types.Document, error) {
	if err := s.enter(ctx, MethodUpdateOne); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, cur := s.match(collection, filter)
	if cur == nil {
		if !upsert {
			return nil, nil
		}
		cur = types.SeedFromFilter(filter)
		if cur.ID() == "" {
			cur[types.IDField] = uuid.NewString()
		}
	}
	next, err := types.ApplyUpdate(cur, update)
	if err != nil {
		return nil, err
	}
	s.put(collection, next)
	return next.Clone(), nil
}

func (s *Store) DeleteOne(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	if err := s.enter(ctx, MethodDeleteOne); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, cur := s.match(collection, filter)
	if cur == nil {
		return nil, nil
	}
	delete(s.colls[collection], id)
	return cur, nil
}

// enter counts the call, then applies the configured delay and faults.
func (s *Store) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	var delay = s.delay
	var fail = s.failing
	if s.failNext > 0 {
		s.failNext--
		fail = true
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.WithMessage(ErrInjected, method)
	}
	return ctx.Err()
}

func (s *Store) match(collection string, filter types.Filter) (string, types.Document) {
	if id, ok := filter.ID(); ok {
		if d, ok := s.colls[collection][id]; ok && filter.Matches(d) {
			return id, d
		}
		return "", nil
	}
	for _, id := range s.ids(collection) {
		if d := s.colls[collection][id]; filter.Matches(d) {
			return id, d
		}
	}
	return "", nil
}

// ids returns the collection's ids in sorted order, so that "first match"
// is deterministic.
func (s *Store) ids(collection string) []string {
	var ids = make([]string, 0, len(s.colls[collection]))
	for id := range s.colls[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) put(collection string, d types.Document) {
	var c, ok = s.colls[collection]
	if !ok {
		c = make(map[string]types.Document)
		s.colls[collection] = c
	}
	var id = d.ID()
	if id == "" {
		panic(fmt.Sprintf("memstore: storing document without id in %s", collection))
	}
	c[id] = d
}

// This file implements LRU eviction.

package eviction

import (
	"math"

	"github.com/hashicorp/golang-lru/simplelru"
)

// lru keeps ids in recency order. The list is sized so that it never evicts
// on its own: capacity is enforced by the cache, one victim at a time.
type lru struct {
	order *simplelru.LRU
}

func newLRU() *lru {
	var order, err = simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &lru{order: order}
}

// OnGet marks the id as most recently used.
func (l *lru) OnGet(id string) { l.order.Get(id) }

// OnPut tracks the id, or marks an already tracked id as most recently used.
func (l *lru) OnPut(id string) { l.order.Add(id, nil) }

func (l *lru) Remove(id string) { l.order.Remove(id) }

// Victim returns the least recently used id.
func (l *lru) Victim() (string, bool) {
	var id, _, ok = l.order.GetOldest()
	if !ok {
		return "", false
	}
	return id.(string), true
}

func (l *lru) Defer(id string) { l.order.Get(id) }

func (l *lru) Len() int { return l.order.Len() }

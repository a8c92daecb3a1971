// This file implements FIFO eviction.

package eviction

// fifo keeps ids in admission order. Reads and re-writes of a tracked id do
// not move it; only Defer does.
type fifo struct {
	*lru
}

func newFIFO() *fifo { return &fifo{lru: newLRU()} }

// OnGet is a no-op: FIFO ignores reads.
func (f *fifo) OnGet(string) {}

// OnPut tracks new ids only.
func (f *fifo) OnPut(id string) {
	if !f.order.Contains(id) {
		f.order.Add(id, nil)
	}
}

package eviction

/*
This file defines how the cache decides which entry to give up when it holds
more than its capacity.
*/

/*
Policy tracks recency for every cached id. It is not safe for concurrent use;
the cache calls it under its own lock.

Unlike a plain LRU, a Policy never forgets an id on its own: Victim only
nominates one. The cache removes the id once the entry has been safely
discarded, which may be never if its pending write cannot be made durable.
*/
type Policy interface {

	// OnGet is called whenever an id is read from the cache.
	OnGet(string)

	// OnPut is called whenever an id is admitted or mutated.
	OnPut(string)

	// Remove forgets an id that left the cache.
	Remove(string)

	// Victim nominates the next id to discard, without forgetting it.
	Victim() (string, bool)

	// Defer sends a victim that could not be discarded to the back of the line.
	Defer(string)

	// Len returns the number of tracked ids.
	Len() int
}

// PolicyType is a simple identifier for supported eviction strategies.
type PolicyType string

const (
	// LRU (Least Recently Used): evicts the id that has not been read or written for the longest time.
	LRU PolicyType = "LRU"

	// FIFO (First In First Out): evicts the oldest admitted id, regardless of access.
	FIFO PolicyType = "FIFO"
)

// NewEvictionPolicy is a small factory function.
// Given a PolicyType, it creates the correct eviction policy.
func NewEvictionPolicy(t PolicyType) Policy {
	switch t {
	case LRU, "":
		return newLRU()
	case FIFO:
		return newFIFO()
	default:
		panic("unknown eviction policy " + string(t))
	}
}

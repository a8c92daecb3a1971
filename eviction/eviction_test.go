package eviction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUNominatesLeastRecentlyUsed(t *testing.T) {
	var p = NewEvictionPolicy(LRU)

	_, ok := p.Victim()
	assert.False(t, ok)

	p.OnPut("a")
	p.OnPut("b")
	p.OnPut("c")
	p.OnGet("a") // Order is now b, c, a.

	id, ok := p.Victim()
	require.True(t, ok)
	assert.Equal(t, "b", id)

	// Victim does not forget.
	assert.Equal(t, 3, p.Len())

	// A write also counts as use.
	p.OnPut("b")
	id, _ = p.Victim()
	assert.Equal(t, "c", id)

	p.Remove("c")
	id, _ = p.Victim()
	assert.Equal(t, "a", id)
	assert.Equal(t, 2, p.Len())

	// A deferred victim goes to the back.
	p.Defer("a")
	id, _ = p.Victim()
	assert.Equal(t, "b", id)
}

func TestFIFOIgnoresAccess(t *testing.T) {
	var p = NewEvictionPolicy(FIFO)

	p.OnPut("a")
	p.OnPut("b")
	p.OnGet("a")
	p.OnPut("a")

	id, ok := p.Victim()
	require.True(t, ok)
	assert.Equal(t, "a", id)

	p.Defer("a")
	id, _ = p.Victim()
	assert.Equal(t, "b", id)
}

func TestUnknownPolicyPanics(t *testing.T) {
	assert.Panics(t, func() { NewEvictionPolicy("MRU") })
}

package cache

import "time"

// SetClock replaces the clock of the cache's expiration checks.
func (c *DocumentCache) SetClock(now func() time.Time) { c.engine.Now = now }

// SetIndexClock replaces the clock of IndexCache TTLs, until restored.
func SetIndexClock(now func() time.Time) (restore func()) {
	var prev = timeNow
	timeNow = now
	return func() { timeNow = prev }
}

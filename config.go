package cache

import (
	"time"

	"github.com/pkg/errors"

	"github.com/krisalay/doccache/eviction"
	"github.com/krisalay/doccache/types"
)

// Config configures a DocumentCache. Struct tags bind each field to a
// command-line flag and environment variable via go-flags.
type Config struct {
	Capacity      int                 `long:"capacity" env:"CAPACITY" default:"10000" description:"Maximum number of cached documents"`
	TTL           time.Duration       `long:"ttl" env:"TTL" default:"10m" description:"Documents unaccessed for longer are dropped. Zero disables expiry"`
	Eviction      eviction.PolicyType `long:"eviction" env:"EVICTION" default:"LRU" choice:"LRU" choice:"FIFO" description:"Eviction policy"`
	WriteTimeout  time.Duration       `long:"write-timeout" env:"WRITE_TIMEOUT" default:"2s" description:"Bound on each write to the backing store"`
	SweepInterval time.Duration       `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"1m" description:"Interval between sweeps of expired documents. Zero disables sweeping"`
	Workers       int                 `long:"workers" env:"WORKERS" default:"4" description:"Number of write-back workers"`
	LockShards    int                 `long:"lock-shards" env:"LOCK_SHARDS" default:"32" description:"Number of shards of the per-document lock table"`
	LogRetries    int                 `long:"log-retries" env:"LOG_RETRIES" default:"3" description:"Retries of a failed recovery log write. Negative disables retries"`
	RetryBase     time.Duration       `long:"retry-base" env:"RETRY_BASE" default:"100ms" description:"Initial backoff between write-back attempts"`
	RetryMax      time.Duration       `long:"retry-max" env:"RETRY_MAX" default:"30s" description:"Maximum backoff between write-back attempts"`

	// Metrics receives cache events in addition to the cache's own counters.
	Metrics types.Metrics `no-flag:"true"`
}

// DefaultConfig returns the configuration the flag defaults describe.
func DefaultConfig() Config {
	return Config{
		Capacity:      10000,
		TTL:           10 * time.Minute,
		Eviction:      eviction.LRU,
		WriteTimeout:  2 * time.Second,
		SweepInterval: time.Minute,
		Workers:       4,
		LockShards:    32,
		LogRetries:    3,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      30 * time.Second,
	}
}

// Validate returns an error if the Config is not well-formed.
func (c Config) Validate() error {
	switch {
	case c.Capacity <= 0:
		return errors.Errorf("expected Capacity > 0 (%d)", c.Capacity)
	case c.TTL < 0:
		return errors.Errorf("expected TTL >= 0 (%s)", c.TTL)
	case c.WriteTimeout < 0:
		return errors.Errorf("expected WriteTimeout >= 0 (%s)", c.WriteTimeout)
	case c.SweepInterval < 0:
		return errors.Errorf("expected SweepInterval >= 0 (%s)", c.SweepInterval)
	case c.Workers < 0:
		return errors.Errorf("expected Workers >= 0 (%d)", c.Workers)
	case c.LockShards < 0:
		return errors.Errorf("expected LockShards >= 0 (%d)", c.LockShards)
	case c.RetryBase < 0 || c.RetryMax < 0:
		return errors.Errorf("expected RetryBase and RetryMax >= 0 (%s, %s)", c.RetryBase, c.RetryMax)
	}
	switch c.Eviction {
	case eviction.LRU, eviction.FIFO, "":
	default:
		return errors.Errorf("unknown Eviction policy %q", c.Eviction)
	}
	return nil
}

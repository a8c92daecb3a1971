package main

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	cache "github.com/krisalay/doccache"
	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/recoverylog/sqlitelog"
	"github.com/krisalay/doccache/store/memstore"
	"github.com/krisalay/doccache/store/redisstore"
	"github.com/krisalay/doccache/types"
)

// RecoveryConfig selects and configures the recovery log.
type RecoveryConfig struct {
	Backend      string `long:"backend" env:"BACKEND" default:"file" choice:"file" choice:"sqlite" choice:"none" description:"Recovery log backend. With none, writes go straight to the store"`
	Dir          string `long:"dir" env:"DIR" default:"/var/lib/doccache" description:"Directory of the file recovery log"`
	CompactAfter int    `long:"compact-after" env:"COMPACT_AFTER" default:"4096" description:"Frames written to the file log before it is considered for compaction"`
	Path         string `long:"path" env:"PATH" default:"/var/lib/doccache/recovery.db" description:"Database of the sqlite recovery log"`
}

// StoreConfig selects and configures the backing store.
type StoreConfig struct {
	Backend string             `long:"backend" env:"BACKEND" default:"redis" choice:"redis" choice:"memory" description:"Backing document store"`
	Redis   redisstore.Options `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
}

// Config is the configuration shared by every command.
type Config struct {
	Cache    cache.Config   `group:"Cache" namespace:"cache" env-namespace:"CACHE"`
	Recovery RecoveryConfig `group:"Recovery" namespace:"recovery" env-namespace:"RECOVERY"`
	Store    StoreConfig    `group:"Store" namespace:"store" env-namespace:"STORE"`
	Log      LogConfig      `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Metrics  MetricsConfig  `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
}

var cfg = new(Config)

// startup initializes logging and metrics of a command.
func startup() {
	InitLog(cfg.Log)
	cfg.Cache.Metrics = InitMetrics(cfg.Metrics)
}

// openLog opens the configured recovery log, or returns nil if there is none.
func openLog(rc RecoveryConfig) (recoverylog.Log, error) {
	switch rc.Backend {
	case "file":
		var l, err = recoverylog.OpenFileLog(afero.NewOsFs(), rc.Dir, rc.CompactAfter)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "sqlite":
		var l, err = sqlitelog.Open(rc.Path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Errorf("unknown recovery backend %q", rc.Backend)
	}
}

// readLog returns the records of the configured recovery log without
// replaying them.
func readLog(rc RecoveryConfig) ([]recoverylog.Record, error) {
	switch rc.Backend {
	case "file":
		return recoverylog.ReadDir(afero.NewOsFs(), rc.Dir)
	case "sqlite":
		var l, err = sqlitelog.Open(rc.Path)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		return l.LoadAll()
	default:
		return nil, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore opens the configured backing store.
func openStore(ctx context.Context, sc StoreConfig) (types.Store, io.Closer, error) {
	switch sc.Backend {
	case "memory":
		return memstore.New(), nopCloser{}, nil
	case "redis":
		var s = redisstore.New(sc.Redis)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, errors.Errorf("unknown store backend %q", sc.Backend)
	}
}

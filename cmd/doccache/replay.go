package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	cache "github.com/krisalay/doccache"
)

type cmdReplay struct{}

func (cmd *cmdReplay) Execute([]string) error {
	startup()
	var ctx = context.Background()

	var store, closer, err = openStore(ctx, cfg.Store)
	Must(err, "failed to open store", "backend", cfg.Store.Backend)
	defer closer.Close()

	rlog, err := openLog(cfg.Recovery)
	Must(err, "failed to open recovery log", "backend", cfg.Recovery.Backend)
	if rlog == nil {
		log.Warn("no recovery log is configured; nothing to replay")
		return nil
	}

	c, err := cache.New(cfg.Cache, store, rlog)
	Must(err, "invalid cache configuration")
	Must(c.Start(ctx), "failed to replay recovery log")

	var stats = c.Stats()
	Must(c.Close(ctx), "failed to close cache")

	fmt.Printf("replayed: %d\nrefused:  %d\n", stats.Replayed, stats.ReplayFailures)
	return nil
}

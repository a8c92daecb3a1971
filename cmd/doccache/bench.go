package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	cache "github.com/krisalay/doccache"
	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/store/memstore"
	"github.com/krisalay/doccache/types"
)

type cmdBench struct {
	Preload    int `long:"preload" default:"100000" description:"Documents loaded before the run"`
	Goroutines int `long:"goroutines" default:"200" description:"Concurrent clients"`
	Ops        int `long:"ops" default:"5000" description:"Operations per client"`
	WriteEvery int `long:"write-every" default:"10" description:"Every Nth operation is an update. Zero for reads only"`
}

func (cmd *cmdBench) Execute([]string) error {
	startup()
	var ctx = context.Background()

	if cmd.Preload <= 0 || cmd.Goroutines <= 0 {
		return errors.New("--preload and --goroutines must be positive")
	}

	fmt.Println("\n================ CACHE LOAD BENCHMARK =================")
	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Capacity     :", humanize.Comma(int64(cfg.Cache.Capacity)))
	fmt.Println("Eviction     :", cfg.Cache.Eviction)
	fmt.Println("Preload Docs :", humanize.Comma(int64(cmd.Preload)))
	fmt.Println("Goroutines   :", cmd.Goroutines)
	fmt.Println("Ops/Goroutine:", humanize.Comma(int64(cmd.Ops)))
	fmt.Println("Write Every  :", cmd.WriteEvery)
	fmt.Println("---------------------------------")

	var store = memstore.New()
	var filters = make([]types.Filter, cmd.Preload)
	for i := range filters {
		var id = fmt.Sprintf("key-%d", i)
		store.Seed("bench", types.Document{"id": id, "n": int64(i)})
		filters[i] = types.Filter{"id": id}
	}

	var rlog, err = recoverylog.OpenFileLog(afero.NewMemMapFs(), "/bench", 0)
	Must(err, "failed to open recovery log")

	c, err := cache.New(cfg.Cache, store, rlog)
	Must(err, "invalid cache configuration")
	Must(c.Start(ctx), "failed to start cache")

	// ---------------- Warmup ----------------
	fmt.Println("Warming up cache...")
	for i := range filters {
		_, _ = c.FindOne(ctx, "bench", filters[i])
	}
	fmt.Println("Warmup complete.")

	// ---------------- Load Test ----------------
	fmt.Println("Running concurrency benchmark...")
	var start = time.Now()

	var wg sync.WaitGroup
	wg.Add(cmd.Goroutines)

	for i := 0; i < cmd.Goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < cmd.Ops; j++ {
				var f = filters[(id+j)%len(filters)]

				if cmd.WriteEvery > 0 && j%cmd.WriteEvery == 0 {
					_, _ = c.UpdateOne(ctx, "bench", f, types.Update{types.OpInc: {"n": 1}}, false)
				} else {
					_, _ = c.FindOne(ctx, "bench", f)
				}
			}
		}(i)
	}
	wg.Wait()

	var duration = time.Since(start)
	var totalOps = cmd.Goroutines * cmd.Ops

	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Total Operations : %s\n", humanize.Comma(int64(totalOps)))
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %s ops/sec\n", humanize.CommafWithDigits(float64(totalOps)/duration.Seconds(), 2))
	fmt.Println("=========================================")

	printStats(c.Stats())
	Must(c.Close(ctx), "failed to close cache")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	cache "github.com/krisalay/doccache"
	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/store/memstore"
	"github.com/krisalay/doccache/types"
)

const demoLogDir = "/demo"

type cmdDemo struct {
	Capacity int           `long:"capacity" default:"20" description:"Capacity of the demo cache"`
	TTL      time.Duration `long:"ttl" default:"1s" description:"TTL of the demo cache"`
}

func (cmd *cmdDemo) Execute([]string) error {
	startup()
	var ctx = context.Background()

	fmt.Println("\n==================== SYSTEM BOOT ====================")

	var conf = cfg.Cache
	conf.Capacity = cmd.Capacity
	conf.TTL = cmd.TTL
	conf.SweepInterval = 0

	fmt.Println("CACHE MODE      : WRITE-BACK")
	fmt.Println("EVICTION POLICY :", conf.Eviction)
	fmt.Println("TTL STRATEGY    : ExpireAfterAccess,", conf.TTL)
	fmt.Println("CAPACITY        :", conf.Capacity, "documents")

	// ---------------- Backing Store & Recovery Log ----------------
	var store = memstore.New()
	store.Seed("users",
		types.Document{"id": "a", "name": "alpha", "coins": int64(10)},
		types.Document{"id": "b", "name": "beta", "coins": int64(20)},
	)
	var fs = afero.NewMemMapFs()
	var rlog, err = recoverylog.OpenFileLog(fs, demoLogDir, 0)
	Must(err, "failed to open recovery log")

	c, err := cache.New(conf, store, rlog)
	Must(err, "invalid cache configuration")
	Must(c.Start(ctx), "failed to start cache")

	var find = func(id string) types.Document {
		var doc, err = c.FindOne(ctx, "users", types.Filter{"id": id})
		Must(err, "find failed", "id", id)
		return doc
	}
	var storeReads = func() int { return store.Calls(memstore.MethodFindOne) }

	// ====================================================
	fmt.Println("\n==================== 1) CACHE MISS ====================")
	fmt.Println("CACHE  → FIND a =", find("a"))
	fmt.Println("STORE  → reads so far:", storeReads())

	// ====================================================
	fmt.Println("\n==================== 2) CACHE HIT ====================")
	fmt.Println("CACHE  → FIND a =", find("a"))
	fmt.Println("STORE  → reads so far:", storeReads())

	// ====================================================
	fmt.Println("\n==================== 3) TTL EXPIRATION ====================")
	_, err = c.InsertOne(ctx, "users", types.Document{"id": "x", "name": "temp"})
	Must(err, "insert failed")
	fmt.Println("CACHE  → INSERT x")

	time.Sleep(conf.TTL + conf.TTL/2)

	fmt.Println("CACHE  → TTL elapsed for x")
	fmt.Println("CACHE  → FIND x after TTL =", find("x"))
	fmt.Println("STORE  → reads so far:", storeReads())

	// ====================================================
	fmt.Println("\n==================== 4) SINGLEFLIGHT ====================")
	store.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			fmt.Printf("GOROUTINE-%d → FIND b = %v\n", id, find("b"))
		}(i)
	}
	wg.Wait()
	store.SetDelay(0)
	fmt.Println("STORE  → reads so far:", storeReads())

	// ====================================================
	fmt.Println("\n==================== 5) WRITE-BACK ====================")
	store.SetFailing(true)
	fmt.Println("STORE  → unavailable")

	ack, err := c.UpdateOne(ctx, "users", types.Filter{"id": "a"}, types.Update{types.OpInc: {"coins": 5}}, false)
	Must(err, "update failed")
	fmt.Printf("CACHE  → UPDATE a: matched=%d durable=%v\n", ack.Matched, ack.Durable)
	fmt.Println("CACHE  → FIND a =", find("a"))

	recs, err := recoverylog.ReadDir(fs, demoLogDir)
	Must(err, "failed to read recovery log")
	fmt.Println("LOG    → pending records:", len(recs))

	store.SetFailing(false)
	fmt.Println("STORE  → available")
	Must(c.Flush(ctx), "flush failed")

	var stored, _ = store.Get("users", "a")
	fmt.Println("STORE  → a =", stored)

	// ====================================================
	fmt.Println("\n==================== 6) EVICTION ====================")
	for i := 0; i < 2*conf.Capacity; i++ {
		_, err = c.InsertOne(ctx, "users", types.Document{"id": "k" + strconv.Itoa(i), "n": int64(i)})
		Must(err, "insert failed")
	}
	fmt.Println("CACHE  → documents held:", c.Stats().Entries)
	fmt.Println("CACHE  → FIND a after eviction =", find("a"))

	// ====================================================
	fmt.Println("\n==================== 7) DELETE ====================")
	ack, err = c.DeleteOne(ctx, "users", types.Filter{"id": "b"})
	Must(err, "delete failed")
	fmt.Printf("CACHE  → DELETE b: matched=%d durable=%v\n", ack.Matched, ack.Durable)
	fmt.Println("CACHE  → FIND b after delete =", find("b"))

	// ====================================================
	printStats(c.Stats())

	// ====================================================
	fmt.Println("\n==================== SHUTDOWN ====================")
	Must(c.Close(ctx), "failed to close cache")
	fmt.Println("SYSTEM → cache closed cleanly")
	return nil
}

func printStats(s cache.Stats) {
	fmt.Println("\n==================== METRICS ====================")

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})

	for _, row := range [][2]any{
		{"Hits", s.Hits},
		{"Misses", s.Misses},
		{"Evictions", s.Evictions},
		{"Expirations", s.Expirations},
		{"Write-backs", s.WriteBacks},
		{"Write-back failures", s.WriteBackFailures},
		{"Recovery puts", s.RecoveryPuts},
		{"Recovery removes", s.RecoveryRemoves},
		{"Pending writes", s.PendingWrites},
		{"Entries", s.Entries},
		{"Dirty", s.Dirty},
	} {
		table.Append([]string{row[0].(string), fmt.Sprint(row[1])})
	}
	table.Render()
}

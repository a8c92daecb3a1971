package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/krisalay/doccache/recoverylog"
)

type cmdRecoveryList struct {
	Collection string `long:"collection" short:"c" description:"Only list records of this collection"`
	Format     string `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
}

func (cmd *cmdRecoveryList) Execute([]string) error {
	InitLog(cfg.Log)

	var recs, err = readLog(cfg.Recovery)
	Must(err, "failed to read recovery log", "backend", cfg.Recovery.Backend)

	var out = recs[:0]
	for _, rec := range recs {
		if cmd.Collection == "" || rec.Collection == cmd.Collection {
			out = append(out, rec)
		}
	}

	switch cmd.Format {
	case "table":
		cmd.outputTable(out)
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, rec := range out {
			Must(enc.Encode(rec), "failed to encode to json")
		}
	}
	return nil
}

func (cmd *cmdRecoveryList) outputTable(recs []recoverylog.Record) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Collection", "Op", "Fields", "Size"})

	for _, rec := range recs {
		var op, fields, size = "put", "", ""

		if rec.Deleted {
			op = "delete"
		} else {
			var names = make([]string, 0, len(rec.Doc))
			for name := range rec.Doc {
				names = append(names, name)
			}
			sort.Strings(names)
			fields = strings.Join(names, ",")

			if b, err := json.Marshal(rec.Doc); err == nil {
				size = humanize.Bytes(uint64(len(b)))
			}
		}
		table.Append([]string{rec.ID, rec.Collection, op, fields, size})
	}
	table.Render()
	fmt.Printf("%d pending records\n", len(recs))
}

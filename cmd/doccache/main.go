// doccache operates a document cache: it replays and inspects recovery logs,
// and demonstrates and benchmarks the cache.
package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(cfg, flags.Default)

	parser.LongDescription = `doccache is a tool for operating a write-back document cache.

Every command shares the cache, recovery log, store and logging options, which
may also be given as environment variables (see --help).
`
	mustAddCmd(parser.Command, "replay", "Replay the recovery log into the store", `
Replay writes every record of the recovery log to the backing store, and
removes the records the store confirms. Records the store refuses are kept
for the next run. A corrupt recovery log fails the command.
`, new(cmdReplay))

	var recovery = mustAddCmd(parser.Command, "recovery", "Inspect the recovery log", "", &struct{}{})
	mustAddCmd(recovery, "list", "List pending recovery records", `
List the records of the recovery log, which are writes not yet confirmed by the
backing store. The log is read without being replayed or modified.
`, new(cmdRecoveryList))

	mustAddCmd(parser.Command, "demo", "Walk through cache behaviors against an in-memory store", "", new(cmdDemo))
	mustAddCmd(parser.Command, "bench", "Measure cache throughput against an in-memory store", "", new(cmdBench))

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func mustAddCmd(cmd *flags.Command, name, short, long string, data interface{}) *flags.Command {
	var sub, err = cmd.AddCommand(name, short, long, data)
	Must(err, "failed to add command", "name", name)
	return sub
}

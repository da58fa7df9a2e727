// Command gojolite_bench measures the throughput of a gojolite database file.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alexflint/go-arg"

	"github.com/sushant-115/gojolite/internal/bench"
	"github.com/sushant-115/gojolite/pkg/connection"
	"github.com/sushant-115/gojolite/pkg/logger"
)

type args struct {
	Path        string `arg:"positional" help:"database file to benchmark; a temporary file when empty"`
	Rows        int    `arg:"-n,--rows" default:"100000" help:"rows to insert"`
	Batch       int    `arg:"-b,--batch" default:"1000" help:"inserts per transaction"`
	Lookups     int    `arg:"-l,--lookups" default:"100000" help:"point lookups per lookup benchmark"`
	Workers     int    `arg:"-w,--workers" default:"4" help:"concurrent readers"`
	PageSize    uint32 `arg:"--page-size" default:"4096" help:"page size of a new database"`
	CacheSize   int    `arg:"--cache-size" default:"2000" help:"page cache capacity in pages"`
	Synchronous string `arg:"--synchronous" default:"normal" help:"off, normal or full"`
	Keep        bool   `arg:"--keep" help:"keep the temporary database"`
	LogLevel    string `arg:"--log-level" default:"warn" help:"debug, info, warn or error"`
}

func (args) Version() string { return "gojolite_bench 0.1.0" }

func (args) Description() string {
	return "Runs insert, rowid lookup, index lookup and full scan benchmarks."
}

func main() {
	var a args
	arg.MustParse(&a)

	lg, err := logger.New(logger.Config{Level: a.LogLevel})
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Close()

	path := a.Path
	if path == "" {
		dir, err := os.MkdirTemp("", "gojolite_bench_*")
		if err != nil {
			log.Fatal(err)
		}
		if !a.Keep {
			defer os.RemoveAll(dir)
		}
		path = filepath.Join(dir, "bench.db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Benchmarking %s\n", path)
	results, err := bench.Run(ctx, bench.Config{
		Path:      path,
		Rows:      a.Rows,
		BatchSize: a.Batch,
		Lookups:   a.Lookups,
		Workers:   a.Workers,
		Options: connection.Options{
			PageSize:    a.PageSize,
			CacheSize:   a.CacheSize,
			Synchronous: a.Synchronous,
			Logger:      lg.Logger,
		},
		Progress: os.Stderr,
		Logger:   lg.Logger,
	})
	bench.Print(os.Stdout, results)
	if err != nil {
		lg.Close()
		log.Fatal(err)
	}
}

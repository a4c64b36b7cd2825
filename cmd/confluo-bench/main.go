// Command confluo-bench drives a Log under concurrent load and
// reports throughput, the way a collaborator would exercise this module
// before wiring it into a larger system.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ucbrise/confluo-core/confluo/cc"
	"github.com/ucbrise/confluo-core/confluo/conf"
	"github.com/ucbrise/confluo-core/confluo/engine"
	"github.com/ucbrise/confluo-core/confluo/monolog"
	"github.com/ucbrise/confluo-core/confluo/storage"
	fsutil "github.com/ucbrise/confluo-core/internal/fsutil"
)

// config holds the parsed benchmark flags.
type config struct {
	records    int
	recordSize int
	writers    int
	ccMode     string
	archive    bool
	workDir    string
	bucketSize int
}

func main() {
	cfg, code := parseFlags(os.Stderr, os.Args[1:])
	if code >= 0 {
		os.Exit(code)
	}

	if err := run(os.Stdout, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseFlags(errOut io.Writer, args []string) (config, int) {
	flagSet := flag.NewFlagSet("confluo-bench", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	cfg := config{}

	flagSet.IntVar(&cfg.records, "records", 100_000, "number of records each writer appends")
	flagSet.IntVar(&cfg.recordSize, "record-size", 8, "record size in bytes")
	flagSet.IntVar(&cfg.writers, "writers", 4, "number of concurrent appending goroutines")
	flagSet.StringVar(&cfg.ccMode, "cc", "write-stalled", "concurrency discipline: write-stalled|read-stalled")
	flagSet.BoolVar(&cfg.archive, "archive", false, "archive the log to --workdir once appends finish")
	flagSet.StringVar(&cfg.workDir, "workdir", "", "archival directory (required with --archive)")
	flagSet.IntVar(&cfg.bucketSize, "bucket-size", 4096, "monolog bucket size, in elements")

	flagSet.Usage = func() {
		fmt.Fprint(errOut, "Usage: confluo-bench [flags]\n\n")
		fmt.Fprint(errOut, "Appends --records*--writers fixed-size records through a Log and reports throughput.\n\n")
		fmt.Fprint(errOut, "Flags:\n")
		fmt.Fprint(errOut, flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return config{}, 0
		}

		fmt.Fprintln(errOut, "error:", err)

		return config{}, 2
	}

	if cfg.archive && cfg.workDir == "" {
		fmt.Fprintln(errOut, "error: --archive requires --workdir")

		return config{}, 2
	}

	return cfg, -1
}

func run(out io.Writer, cfg config) error {
	if cfg.recordSize <= 0 {
		cfg.recordSize = 8
	}

	opts := conf.DefaultOptions()

	alloc := storage.NewAllocator(opts.MaxMemory)
	data := monolog.NewExp2Linear(alloc, cfg.recordSize, cfg.bucketSize)

	var tail cc.Tail

	switch cfg.ccMode {
	case "read-stalled":
		tail = cc.NewReadStalled()
	default:
		tail = cc.NewWriteStalled()
	}

	log := engine.NewLog(data, tail)

	if cfg.archive {
		if err := os.MkdirAll(cfg.workDir, 0o750); err != nil {
			return err
		}

		fsys := fsutil.NewReal()
		if err := log.AttachArchiver(fsys, storage.NewAllocator(opts.MaxMemory), cfg.workDir, "bench", opts.MaxArchivalFileSize, opts.DataLogArchivalEncoding); err != nil {
			return err
		}
		defer log.Close()
	}

	var completed int64

	record := make([]byte, cfg.recordSize)

	start := time.Now()

	var wg sync.WaitGroup

	for w := 0; w < cfg.writers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			buf := append([]byte(nil), record...)

			for i := 0; i < cfg.records; i++ {
				if _, err := log.Append(buf); err != nil {
					return
				}

				atomic.AddInt64(&completed, 1)
			}
		}()
	}

	wg.Wait()

	elapsed := time.Since(start)

	fmt.Fprintf(out, "appended %d records across %d writers in %s (%.0f ops/sec)\n",
		atomic.LoadInt64(&completed), cfg.writers, elapsed, float64(completed)/elapsed.Seconds())

	if cfg.archive {
		if err := log.Archive(uint64(cfg.writers * cfg.records)); err != nil {
			return err
		}

		fmt.Fprintf(out, "archived up to offset %d under %s\n", log.ArchivalTail(), filepath.Clean(cfg.workDir))
	}

	return nil
}

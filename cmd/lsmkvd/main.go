// Command lsmkvd runs the LSM key-value store as a standalone HTTP
// server, grounded on original_source/src/main.py's flag set and
// signal-driven graceful shutdown (spec.md §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvforge/lsmkv/internal/compaction"
	"github.com/kvforge/lsmkv/internal/lsm"
	"github.com/kvforge/lsmkv/internal/server"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	opts := lsm.DefaultOptions()

	host := flag.String("host", "localhost", "host to bind to")
	port := flag.Int("port", 8080, "port to bind to")
	flag.StringVar(&opts.Dir, "data-dir", "data", "data directory")
	flag.IntVar(&opts.MemtableMaxBytes, "memtable-max-bytes", opts.MemtableMaxBytes, "memtable flush threshold in bytes")
	flag.IntVar(&opts.MemtableMaxEntries, "memtable-max-entries", opts.MemtableMaxEntries, "memtable flush threshold in entries")
	flag.Float64Var(&opts.SSTableFPRate, "sstable-fp-rate", opts.SSTableFPRate, "bloom filter target false-positive rate")
	flag.IntVar(&opts.SSTableIndexInterval, "sstable-index-interval", opts.SSTableIndexInterval, "sparse index sampling interval")
	flag.IntVar(&opts.MaxLevels, "max-levels", opts.MaxLevels, "number of LSM levels")
	flag.IntVar(&opts.LevelSizeMultiplier, "level-size-multiplier", opts.LevelSizeMultiplier, "per-level size ratio")
	flag.IntVar(&opts.CompactionWorkerCount, "compaction-workers", opts.CompactionWorkerCount, "number of background compaction workers")
	flag.BoolVar(&opts.WALSyncOnWrite, "wal-sync-on-write", opts.WALSyncOnWrite, "fsync the WAL before acknowledging each write")
	flag.Parse()

	engine, err := lsm.Open(opts)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}

	sched := compaction.NewScheduler(engine, opts.CompactionWorkerCount)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", *host, *port),
		Handler: server.New(engine, sched),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("lsm key/value store listening on http://%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Print("shutdown signal received, stopping")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	sched.Stop()

	if err := engine.Close(); err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	return nil
}

// Package lsm coordinates the memtable, write-ahead log, and level
// catalog into the single embeddable store described by spec.md §2-§5:
// writes land in the WAL then the memtable, reads check the memtable
// then the catalog newest-level-first, and a full memtable is flushed to
// a new level-0 SSTable.
package lsm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kvforge/lsmkv/internal/memtable"
	"github.com/kvforge/lsmkv/internal/sstable"
	"github.com/kvforge/lsmkv/internal/wal"
)

// ErrClosed is returned by engine operations after Close.
var ErrClosed = errors.New("lsm: engine closed")

// ErrInvalidOptions is returned by Open when Options.Dir is empty.
var ErrInvalidOptions = errors.New("lsm: Dir must be set")

// Pair is a (key, state) result from Range, aliasing the memtable's own
// result type since both layers share the same value-or-tombstone shape.
type Pair = memtable.Pair

// Engine is the top-level embeddable key-value store (spec.md §2). One
// engine owns one data directory. All exported methods are safe for
// concurrent use.
type Engine struct {
	opts Options

	// mu serializes all mutating operations and catalog reads, matching
	// spec.md §5's single non-reentrant engine lock.
	mu sync.Mutex

	mem    *memtable.Memtable
	wal    *wal.WAL
	cat    *catalog
	closed bool

	st stats
}

// Open creates or reopens an engine rooted at opts.Dir, replaying the WAL
// into a fresh memtable and loading the existing level catalog (spec.md
// §4.7, startup/recovery).
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, ErrInvalidOptions
	}
	if opts.MaxLevels <= 0 {
		opts.MaxLevels = DefaultOptions().MaxLevels
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	cat := newCatalog(opts.Dir, opts.MaxLevels)
	if err := cat.load(); err != nil {
		return nil, fmt.Errorf("lsm: loading catalog: %w", err)
	}

	w, err := wal.Open(opts.Dir, opts.WALSyncOnWrite)
	if err != nil {
		return nil, fmt.Errorf("lsm: opening wal: %w", err)
	}

	mem := memtable.New()
	entries, err := w.Replay()
	if err != nil {
		return nil, fmt.Errorf("lsm: replaying wal: %w", err)
	}
	for _, e := range entries {
		switch e.Op {
		case wal.OpPut:
			mem.Put(e.Key, memtable.State{Value: e.Value})
		case wal.OpDelete:
			mem.Put(e.Key, memtable.State{Tombstone: true})
		}
	}

	return &Engine{opts: opts, mem: mem, wal: w, cat: cat}, nil
}

// Put inserts or overwrites the value for key (spec.md §4.1 "put").
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if err := e.wal.Append(wal.OpPut, key, value); err != nil {
		return err
	}
	e.mem.Put(key, memtable.State{Value: value})
	e.st.puts++

	return e.maybeFlushLocked()
}

// Delete marks key as removed with a tombstone, returning whether key
// existed immediately before the call. If the key is absent under the
// current read path, it returns false and does nothing (spec.md §4.7
// "delete procedure").
func (e *Engine) Delete(key []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, ErrClosed
	}

	if _, existed := e.getLocked(key); !existed {
		return false, nil
	}

	if err := e.wal.Append(wal.OpDelete, key, nil); err != nil {
		return false, err
	}
	e.mem.Put(key, memtable.State{Tombstone: true})
	e.st.deletes++

	if err := e.maybeFlushLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// BatchEntry is one write within a BatchPut call.
type BatchEntry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// BatchPut applies a sequence of puts and deletes as one WAL-then-memtable
// pass under a single lock acquisition (spec.md §4.1 "batch_write").
func (e *Engine) BatchPut(entries []BatchEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	for _, be := range entries {
		op := wal.OpPut
		if be.Tombstone {
			op = wal.OpDelete
		}
		if err := e.wal.Append(op, be.Key, be.Value); err != nil {
			return err
		}
	}
	for _, be := range entries {
		e.mem.Put(be.Key, memtable.State{Value: be.Value, Tombstone: be.Tombstone})
		if be.Tombstone {
			e.st.deletes++
		} else {
			e.st.puts++
		}
	}

	return e.maybeFlushLocked()
}

// Get returns the value for key and whether it is present. A deleted or
// never-written key reports found=false (spec.md §4.1 "get").
func (e *Engine) Get(key []byte) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.gets++
	return e.getLocked(key)
}

// getLocked implements the memtable-then-catalog read path without
// touching the gets counter or acquiring e.mu, so Delete can probe
// current existence under the lock it already holds.
func (e *Engine) getLocked(key []byte) ([]byte, bool) {
	if state, ok := e.mem.Get(key); ok {
		if state.Tombstone {
			return nil, false
		}
		return state.Value, true
	}

	for level := 0; level < len(e.cat.levels); level++ {
		runs := e.cat.runs(level)
		for i := len(runs) - 1; i >= 0; i-- {
			value, tombstone, found := runs[i].Get(key)
			if found {
				if tombstone {
					return nil, false
				}
				return value, true
			}
		}
	}
	return nil, false
}

// Range returns every live (non-tombstone) key in [start, end), merged
// across the memtable and every SSTable run with newest-wins semantics
// (spec.md §4.1 "range_scan").
func (e *Engine) Range(start, end []byte) []Pair {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.rangeScans++

	merged := make(map[string]memtable.State)

	// Oldest first: deepest level, oldest run within a level, so later
	// overlays (newer runs, then the memtable) win on key collision.
	for level := len(e.cat.levels) - 1; level >= 0; level-- {
		for _, r := range e.cat.runs(level) {
			for _, ent := range r.Range(start, end) {
				merged[string(ent.Key)] = memtable.State{Value: ent.Value, Tombstone: ent.Tombstone}
			}
		}
	}
	for _, p := range e.mem.Range(start, end) {
		merged[string(p.Key)] = p.State
	}

	out := make([]Pair, 0, len(merged))
	for k, st := range merged {
		if st.Tombstone {
			continue
		}
		out = append(out, Pair{Key: []byte(k), State: st})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
	return out
}

// maybeFlushLocked checks the flush thresholds and flushes if exceeded.
// Called with e.mu held.
func (e *Engine) maybeFlushLocked() error {
	if e.mem.MemoryUsage() > e.opts.MemtableMaxBytes || e.mem.Size() > e.opts.MemtableMaxEntries {
		return e.flushLocked()
	}
	return nil
}

// Flush forces the current memtable to disk even if under threshold,
// primarily for tests and graceful shutdown.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

// flushLocked writes the current memtable to a new level-0 SSTable, then
// installs it in the catalog, then truncates the WAL, in that order: if
// the process crashes between the SSTable write and the WAL truncate,
// recovery replays the WAL again and reapplies the same values, which is
// harmless (spec.md §4.7 "flush procedure").
func (e *Engine) flushLocked() error {
	if e.mem.IsEmpty() {
		return nil
	}

	old := e.mem
	e.mem = memtable.New()
	pairs := old.All()

	path := sstablePath(e.opts.Dir, 0, time.Now().UnixMicro())
	w, err := sstable.NewWriter(path)
	if err != nil {
		return fmt.Errorf("lsm: flush: %w", err)
	}
	w.SetFPRate(e.opts.SSTableFPRate)
	w.SetIndexInterval(e.opts.SSTableIndexInterval)
	for _, p := range pairs {
		w.Add(p.Key, p.State.Value, p.State.Tombstone)
	}
	if err := w.Write(); err != nil {
		return fmt.Errorf("lsm: flush: %w", err)
	}

	r, err := sstable.Open(path)
	if err != nil {
		return fmt.Errorf("lsm: flush: reopening new sstable: %w", err)
	}
	e.cat.append(0, r)

	if err := e.wal.Truncate(); err != nil {
		return fmt.Errorf("lsm: flush: truncating wal: %w", err)
	}

	e.st.flushes++
	return nil
}

// Close flushes any pending writes and releases the WAL file handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if err := e.flushLocked(); err != nil {
		return err
	}
	e.closed = true
	return e.wal.Close()
}

// Stats returns a point-in-time snapshot of engine counters (spec.md §6
// "GET /stats").
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Puts:           e.st.puts,
		Gets:           e.st.gets,
		Deletes:        e.st.deletes,
		RangeScans:     e.st.rangeScans,
		Flushes:        e.st.flushes,
		Compactions:    e.st.compactions,
		MemtableSize:   e.mem.Size(),
		MemtableMemory: e.mem.MemoryUsage(),
		WALSize:        e.wal.Size(),
		LevelCounts:    e.cat.counts(),
	}
}

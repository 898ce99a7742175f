// Package compaction runs the background workers that keep an
// lsm.Engine's level catalog within its size budgets (spec.md §4.8). The
// merge mechanics themselves (source/target selection, dedup, catalog
// swap) live on lsm.Engine, since they need the catalog's internals;
// this package only supplies the scheduling loop and worker pool,
// grounded on the teacher's WALWriter's loop/done/close shape
// (wal_writer.go) adapted from a request channel to a polling ticker,
// since compaction has no caller to hand a request to, it has to notice
// the need for itself.
package compaction

import (
	"log"
	"sync"
	"time"

	"github.com/kvforge/lsmkv/internal/lsm"
)

// pollInterval is how often each worker checks whether any level needs
// compaction.
const pollInterval = 500 * time.Millisecond

// retryBackoff is how long a worker waits after a failed compaction
// attempt before checking again (spec.md §4.8 "failure handling").
const retryBackoff = 5 * time.Second

// Scheduler runs a fixed pool of background workers against one engine,
// each independently polling for levels that exceed their compaction
// trigger (spec.md §4.8).
type Scheduler struct {
	engine      *lsm.Engine
	workerCount int

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup

	st stats
}

// stats holds the scheduler's mutable compaction counters, guarded by
// Scheduler.mu. Together with Scheduler.workerCount and Scheduler.stopped
// it supplies the six fields CompactionManager.get_stats() returns in
// original_source/src/storage/compaction.py:249-255 (spec.md §4.8
// "Statistics").
type stats struct {
	compactionsCompleted uint64
	runsMerged           uint64
	bytesProcessed       uint64
	lastCompactionAt     time.Time
}

// NewScheduler starts workerCount background goroutines compacting e.
// workerCount below 1 is treated as 1.
func NewScheduler(e *lsm.Engine, workerCount int) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	s := &Scheduler{engine: e, workerCount: workerCount, done: make(chan struct{})}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce compacts at most one level, if one currently exceeds its
// trigger. On failure it logs and backs off rather than retrying in a
// tight loop (spec.md §4.8).
func (s *Scheduler) runOnce() {
	level, ok := s.engine.NeedsCompaction()
	if !ok {
		return
	}
	result, err := s.engine.CompactLevel(level)
	if err != nil {
		log.Printf("compaction: level %d: %v", level, err)
		select {
		case <-s.done:
		case <-time.After(retryBackoff):
		}
		return
	}
	s.recordCompaction(result)
}

// recordCompaction folds one CompactLevel result into the running stats.
func (s *Scheduler) recordCompaction(result lsm.CompactionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.compactionsCompleted++
	s.st.runsMerged += uint64(result.RunsMerged)
	s.st.bytesProcessed += uint64(result.BytesProcessed)
	s.st.lastCompactionAt = time.Now()
}

// ForceCompaction runs one compaction pass synchronously, for tests and
// operator-triggered compaction, compacting every level that currently
// exceeds its trigger rather than just one. It does not update sched's
// statistics, since it is meant to run independently of any scheduler.
func ForceCompaction(e *lsm.Engine) error {
	for {
		level, ok := e.NeedsCompaction()
		if !ok {
			return nil
		}
		if _, err := e.CompactLevel(level); err != nil {
			return err
		}
	}
}

// Stop signals every worker to exit and waits for them to do so.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

// Stats is a point-in-time snapshot of the scheduler's compaction
// counters, surfaced by the HTTP front-end's GET /stats route under the
// "compaction" key (spec.md §4.8 "Statistics").
type Stats struct {
	CompactionsCompleted uint64     `json:"compactions_completed"`
	RunsMerged           uint64     `json:"runs_merged"`
	BytesProcessed       uint64     `json:"bytes_processed"`
	LastCompactionAt     *time.Time `json:"last_compaction_time"`
	WorkerCount          int        `json:"worker_count"`
	Running              bool       `json:"running"`
}

// Stats returns a snapshot of s's compaction counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		CompactionsCompleted: s.st.compactionsCompleted,
		RunsMerged:           s.st.runsMerged,
		BytesProcessed:       s.st.bytesProcessed,
		WorkerCount:          s.workerCount,
		Running:              !s.stopped,
	}
	if !s.st.lastCompactionAt.IsZero() {
		t := s.st.lastCompactionAt
		st.LastCompactionAt = &t
	}
	return st
}

package compaction

import (
	"fmt"
	"testing"
	"time"

	"github.com/kvforge/lsmkv/internal/lsm"
)

func testEngine(t *testing.T) *lsm.Engine {
	t.Helper()
	opts := lsm.DefaultOptions()
	opts.Dir = t.TempDir()
	e, err := lsm.Open(opts)
	if err != nil {
		t.Fatalf("lsm.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestForceCompactionDrainsL0(t *testing.T) {
	e := testEngine(t)

	for i := 0; i < 6; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := e.Put(key, key); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	if _, ok := e.NeedsCompaction(); !ok {
		t.Fatalf("expected level 0 to need compaction before forcing it")
	}
	if err := ForceCompaction(e); err != nil {
		t.Fatalf("ForceCompaction: %v", err)
	}
	if _, ok := e.NeedsCompaction(); ok {
		t.Fatalf("expected no level to need compaction after forcing it")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	e := testEngine(t)
	sched := NewScheduler(e, 2)

	for i := 0; i < 6; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := e.Put(key, key); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := e.NeedsCompaction(); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler did not compact level 0 in time")
		case <-time.After(50 * time.Millisecond):
		}
	}

	sched.Stop()

	stats := sched.Stats()
	if stats.CompactionsCompleted == 0 {
		t.Fatalf("expected at least one recorded compaction, got %+v", stats)
	}
	if stats.RunsMerged == 0 || stats.BytesProcessed == 0 {
		t.Fatalf("expected non-zero runs merged and bytes processed, got %+v", stats)
	}
	if stats.LastCompactionAt == nil {
		t.Fatalf("expected last compaction timestamp to be set")
	}
	if stats.WorkerCount != 2 {
		t.Fatalf("expected worker count 2, got %d", stats.WorkerCount)
	}
	if stats.Running {
		t.Fatalf("expected running=false after Stop")
	}
}

func TestSchedulerStatsRunningBeforeStop(t *testing.T) {
	e := testEngine(t)
	sched := NewScheduler(e, 3)
	defer sched.Stop()

	stats := sched.Stats()
	if !stats.Running {
		t.Fatalf("expected running=true before Stop")
	}
	if stats.WorkerCount != 3 {
		t.Fatalf("expected worker count 3, got %d", stats.WorkerCount)
	}
	if stats.CompactionsCompleted != 0 || stats.LastCompactionAt != nil {
		t.Fatalf("expected zero-value compaction stats before any compaction ran, got %+v", stats)
	}
}

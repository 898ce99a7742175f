package lsm

import (
	"fmt"
	"sort"
	"time"

	"github.com/kvforge/lsmkv/internal/sstable"
)

// l0CompactionTrigger is the number of level-0 runs that triggers
// compaction (spec.md §4.8, "L0 has more than 4 runs").
const l0CompactionTrigger = 4

// baseLevelSizeBytes is the byte budget of level 1; level i's budget is
// baseLevelSizeBytes * LevelSizeMultiplier^(i-1) (spec.md §4.8).
const baseLevelSizeBytes = 10 * 1024 * 1024

// levelBudget returns the byte budget for a non-zero level, per
// Options.LevelSizeMultiplier.
func (e *Engine) levelBudget(level int) int64 {
	budget := int64(baseLevelSizeBytes)
	for i := 1; i < level; i++ {
		budget *= int64(e.opts.LevelSizeMultiplier)
	}
	return budget
}

// NeedsCompaction reports the lowest level (ties prefer lower levels,
// spec.md §4.8) that exceeds its compaction trigger, if any.
func (e *Engine) NeedsCompaction() (level int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cat.runs(0)) > l0CompactionTrigger {
		return 0, true
	}
	for lvl := 1; lvl < len(e.cat.levels)-1; lvl++ {
		if e.cat.levelSizeBytes(lvl) > e.levelBudget(lvl) {
			return lvl, true
		}
	}
	return 0, false
}

// CompactLevel merges a selection of runs at level into level+1, removing
// overlapping destination runs and producing one new run. Level 0 always
// compacts every run it holds, since L0 compaction exists to merge
// overlapping unsorted runs out of the way before they accumulate
// (spec.md §4.8 step 1). Every other level selects only its largest
// ⌊n/2⌋ runs by file size (spec.md §4.8 step 2, grounded on
// original_source/src/storage/compaction.py's
// _select_sstables_for_compaction). Whichever selection ran, the chosen
// sources are always re-sorted by filename timestamp ascending before
// the merge pass: sorting by size and merging in that order would let an
// older, larger run shadow a newer, smaller one, breaking the "newest
// occurrence wins" dedup invariant when two selected runs overlap in key
// range (spec.md §9).
func (e *Engine) CompactLevel(level int) (CompactionResult, error) {
	e.mu.Lock()
	sources := selectSources(e.cat.runs(level), level)
	targets := append([]*sstable.Reader(nil), e.cat.runs(level+1)...)
	e.mu.Unlock()

	if len(sources) == 0 {
		return CompactionResult{}, nil
	}

	var bytesProcessed int64
	for _, r := range sources {
		bytesProcessed += r.FileSize()
	}

	sortRunsByTimestamp(sources)

	minKey, maxKey := sourceKeyRange(sources)
	overlapping, _ := partitionByOverlap(targets, minKey, maxKey)

	merged := make(map[string]sstable.Entry)
	var order []string

	mergeInto := func(runs []*sstable.Reader) {
		for _, r := range runs {
			for _, ent := range r.All() {
				k := string(ent.Key)
				if _, seen := merged[k]; !seen {
					order = append(order, k)
				}
				merged[k] = ent
			}
		}
	}
	// Disjoint target runs are untouched; overlapping targets merge in
	// ascending age (oldest first) same as sources, so that a newer
	// source run correctly shadows an older target entry.
	mergeInto(overlapping)
	mergeInto(sources)

	sort.Strings(order)

	path := sstablePath(e.opts.Dir, level+1, time.Now().UnixMicro())
	w, err := sstable.NewWriter(path)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("lsm: compaction: %w", err)
	}
	w.SetFPRate(e.opts.SSTableFPRate)
	w.SetIndexInterval(e.opts.SSTableIndexInterval)
	for _, k := range order {
		ent := merged[k]
		w.Add(ent.Key, ent.Value, ent.Tombstone)
	}
	if err := w.Write(); err != nil {
		return CompactionResult{}, fmt.Errorf("lsm: compaction: %w", err)
	}
	newRun, err := sstable.Open(path)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("lsm: compaction: reopening merged sstable: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range sources {
		e.cat.remove(level, r)
	}
	for _, r := range overlapping {
		e.cat.remove(level+1, r)
	}
	e.cat.append(level+1, newRun)
	e.st.compactions++
	return CompactionResult{RunsMerged: len(sources), BytesProcessed: bytesProcessed}, nil
}

// CompactionResult reports what one CompactLevel call did, so callers
// (internal/compaction's scheduler) can accumulate the "runs merged" and
// "bytes processed" statistics spec.md §4.8 requires without reaching
// into the engine's internals.
type CompactionResult struct {
	RunsMerged     int
	BytesProcessed int64
}

// selectSources picks which runs at level to compact. Level 0 takes
// every run; any other level takes only its largest ⌊n/2⌋ runs by file
// size, leaving the rest for a later pass (spec.md §4.8 step 2).
func selectSources(runs []*sstable.Reader, level int) []*sstable.Reader {
	sources := append([]*sstable.Reader(nil), runs...)
	if level == 0 || len(sources) <= 1 {
		return sources
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].FileSize() > sources[j].FileSize() })
	return sources[:len(sources)/2]
}

// sortRunsByTimestamp orders runs by the timestamp encoded in their
// filename, ascending (oldest first).
func sortRunsByTimestamp(runs []*sstable.Reader) {
	sort.Slice(runs, func(i, j int) bool {
		ti, _ := parseTimestampFromName(baseName(runs[i].Path()))
		tj, _ := parseTimestampFromName(baseName(runs[j].Path()))
		return ti < tj
	})
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// sourceKeyRange returns the minimum and maximum key across all source
// runs being compacted.
func sourceKeyRange(sources []*sstable.Reader) (min, max []byte) {
	for _, r := range sources {
		lo, hi := r.KeyRange()
		if lo == nil && hi == nil {
			continue
		}
		if min == nil || string(lo) < string(min) {
			min = lo
		}
		if max == nil || string(hi) > string(max) {
			max = hi
		}
	}
	return min, max
}

// partitionByOverlap splits targets into those whose key range intersects
// [minKey, maxKey] and those that don't.
func partitionByOverlap(targets []*sstable.Reader, minKey, maxKey []byte) (overlapping, disjoint []*sstable.Reader) {
	for _, r := range targets {
		lo, hi := r.KeyRange()
		if lo == nil && hi == nil {
			disjoint = append(disjoint, r)
			continue
		}
		if string(hi) < string(minKey) || string(lo) > string(maxKey) {
			disjoint = append(disjoint, r)
		} else {
			overlapping = append(overlapping, r)
		}
	}
	return overlapping, disjoint
}

package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kvforge/lsmkv/internal/sstable"
)

// catalog is the canonical on-disk state of the engine: a fixed number of
// levels, each an ordered list of SSTable readers (spec.md §3 "Level
// catalog"). All mutation happens under the engine's lock; the compactor
// acquires the same lock while swapping runs in and out.
type catalog struct {
	dataDir string
	levels  [][]*sstable.Reader
}

func newCatalog(dataDir string, maxLevels int) *catalog {
	return &catalog{dataDir: dataDir, levels: make([][]*sstable.Reader, maxLevels)}
}

// levelDir returns <data_dir>/level_<n>.
func levelDir(dataDir string, level int) string {
	return filepath.Join(dataDir, fmt.Sprintf("level_%d", level))
}

// sstablePath returns <data_dir>/level_<n>/<timestamp_us>.sst.
func sstablePath(dataDir string, level int, timestampMicros int64) string {
	return filepath.Join(levelDir(dataDir, level), fmt.Sprintf("%d.sst", timestampMicros))
}

// load scans every level directory and constructs readers in
// filename-sorted (ascending timestamp) order, per spec.md §4.7 startup
// step 2.
func (c *catalog) load() error {
	for level := range c.levels {
		dir := levelDir(c.dataDir, level)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}

		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".sst") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names) // decimal timestamp filenames sort chronologically

		for _, name := range names {
			r, err := sstable.Open(filepath.Join(dir, name))
			if err != nil {
				continue // unreadable file: skip rather than fail startup
			}
			if !r.Exists() {
				continue
			}
			c.levels[level] = append(c.levels[level], r)
		}
	}
	return nil
}

// append adds a freshly written run to the end of level's run list (the
// newest position within the level).
func (c *catalog) append(level int, r *sstable.Reader) {
	c.levels[level] = append(c.levels[level], r)
}

// remove deletes r's catalog entry and its backing file. File deletion
// happens only after the catalog no longer references it, so no reader a
// concurrent operation is holding gets its file pulled out from under it
// (spec.md §5 "Shared resources").
func (c *catalog) remove(level int, r *sstable.Reader) {
	runs := c.levels[level]
	for i, candidate := range runs {
		if candidate == r {
			c.levels[level] = append(runs[:i], runs[i+1:]...)
			break
		}
	}
	_ = os.Remove(r.Path())
}

// runs returns the readers at level (newest last). The result is the
// catalog's own backing slice, not a copy, so remove and append change it.
func (c *catalog) runs(level int) []*sstable.Reader {
	return c.levels[level]
}

// levelSizeBytes sums the file sizes of every run at level.
func (c *catalog) levelSizeBytes(level int) int64 {
	var total int64
	for _, r := range c.levels[level] {
		total += r.FileSize()
	}
	return total
}

// counts returns the number of SSTables at each level, for statistics.
func (c *catalog) counts() []int {
	out := make([]int, len(c.levels))
	for i, runs := range c.levels {
		out[i] = len(runs)
	}
	return out
}

func parseTimestampFromName(name string) (int64, bool) {
	base := strings.TrimSuffix(name, ".sst")
	ts, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

package sstable

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/kvforge/lsmkv/internal/bloom"
	"github.com/kvforge/lsmkv/internal/codec"
)

// defaultFPRate is used when callers do not override it via SetFPRate.
const defaultFPRate = 0.01

// Writer accumulates records via Add, in arbitrary order, and produces a
// sorted, immutable SSTable file when Write is called (spec.md §4.5).
type Writer struct {
	path          string
	fpRate        float64
	indexInterval int
	records       []codec.Record
}

// NewWriter creates a writer that will emit its SSTable to path. Any
// missing parent directory is created eagerly, matching the teacher's
// sst/writer.go.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Writer{path: path, fpRate: defaultFPRate, indexInterval: IndexInterval}, nil
}

// SetFPRate overrides the bloom filter's target false-positive rate
// (spec.md §6, sstable_fp_rate).
func (w *Writer) SetFPRate(fp float64) { w.fpRate = fp }

// SetIndexInterval overrides the sparse index sampling interval
// (spec.md §6, sstable_index_interval).
func (w *Writer) SetIndexInterval(n int) {
	if n > 0 {
		w.indexInterval = n
	}
}

// Add appends a record to be written. Records may arrive in any order;
// Write sorts them. Tombstones participate like values.
func (w *Writer) Add(key, value []byte, tombstone bool) {
	w.records = append(w.records, codec.Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Tombstone: tombstone,
	})
}

// Write sorts the accumulated records by key, deduplicating so the last
// added occurrence of a key wins (spec.md §8, "SSTable round-trip"), and
// emits data, sparse index, bloom filter, metadata, and footer sections in
// order.
func (w *Writer) Write() error {
	sorted := dedupeSortedLastWins(w.records)

	f, err := os.Create(w.path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	filter := bloom.New(uint64(max(1, len(sorted))), w.fpRate)

	dataStart := int64(0)
	var indexEntries []indexEntry
	var buf []byte
	offset := int64(0)

	for i, rec := range sorted {
		if i%w.indexInterval == 0 {
			indexEntries = append(indexEntries, indexEntry{key: rec.Key, offset: uint64(offset)})
		}
		buf = buf[:0]
		buf = codec.EncodeRecord(buf, rec)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
		offset += int64(len(buf))
		filter.Add(rec.Key)
	}
	dataEnd := offset

	indexStart := dataEnd
	var idxBuf []byte
	for _, e := range indexEntries {
		idxBuf = codec.PutUvarint(idxBuf[:0], uint64(len(e.key)))
		idxBuf = append(idxBuf, e.key...)
		var off8 [8]byte
		binary.BigEndian.PutUint64(off8[:], e.offset)
		idxBuf = append(idxBuf, off8[:]...)
		if _, err := bw.Write(idxBuf); err != nil {
			return err
		}
	}
	indexEnd := indexStart
	for _, e := range indexEntries {
		indexEnd += int64(uvarintLen(uint64(len(e.key))) + len(e.key) + 8)
	}

	bloomStart := indexEnd
	bloomBytes := filter.Serialize()
	if _, err := bw.Write(bloomBytes); err != nil {
		return err
	}

	var minKey, maxKey []byte
	if len(sorted) > 0 {
		minKey = sorted[0].Key
		maxKey = sorted[len(sorted)-1].Key
	}

	metadataStart := bloomStart + int64(len(bloomBytes))
	md := metadata{
		keyCount:    uint64(len(sorted)),
		indexOffset: uint64(indexStart),
		bloomOffset: uint64(bloomStart),
		minKey:      minKey,
		maxKey:      maxKey,
	}
	mdBytes := encodeMetadata(md)
	if _, err := bw.Write(mdBytes); err != nil {
		return err
	}

	ft := footer{
		dataStart:     uint64(dataStart),
		dataEnd:       uint64(dataEnd),
		indexStart:    uint64(indexStart),
		indexEnd:      uint64(indexEnd),
		metadataStart: uint64(metadataStart),
	}
	if _, err := bw.Write(encodeFooter(ft)); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

type indexEntry struct {
	key    []byte
	offset uint64
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// dedupeSortedLastWins sorts records by key and keeps, for each key, the
// last-added occurrence in the pre-sort input order (spec.md §8's
// round-trip invariant: "duplicates deduplicated keeping the last-added
// occurrence").
func dedupeSortedLastWins(records []codec.Record) []codec.Record {
	lastByKey := make(map[string]codec.Record, len(records))
	order := make([]string, 0, len(records))
	for _, r := range records {
		k := string(r.Key)
		if _, seen := lastByKey[k]; !seen {
			order = append(order, k)
		}
		lastByKey[k] = r
	}
	out := make([]codec.Record, 0, len(order))
	for _, k := range order {
		out = append(out, lastByKey[k])
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Key) < string(out[j].Key)
	})
	return out
}

func encodeMetadata(md metadata) []byte {
	buf := make([]byte, 0, 8+8+8+4+4+len(md.minKey)+len(md.maxKey))
	var tmp8 [8]byte
	var tmp4 [4]byte

	binary.BigEndian.PutUint64(tmp8[:], md.keyCount)
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], md.indexOffset)
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], md.bloomOffset)
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint32(tmp4[:], uint32(len(md.minKey)))
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], uint32(len(md.maxKey)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, md.minKey...)
	buf = append(buf, md.maxKey...)
	return buf
}

func encodeFooter(ft footer) []byte {
	buf := make([]byte, FooterSize)
	binary.BigEndian.PutUint64(buf[0:8], ft.dataStart)
	binary.BigEndian.PutUint64(buf[8:16], ft.dataEnd)
	binary.BigEndian.PutUint64(buf[16:24], ft.indexStart)
	binary.BigEndian.PutUint64(buf[24:32], ft.indexEnd)
	binary.BigEndian.PutUint64(buf[32:40], ft.metadataStart)
	return buf
}

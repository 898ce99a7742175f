package sstable

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/kvforge/lsmkv/internal/bloom"
	"github.com/kvforge/lsmkv/internal/codec"
)

// Reader opens an immutable SSTable file and serves point lookups and
// range scans against it (spec.md §4.6). A too-short or malformed file is
// treated as an empty run rather than failing, per the spec: such runs are
// logically ignored by the engine.
type Reader struct {
	path     string
	fileSize int64
	footer   footer
	md       metadata
	index    []indexEntry
	filter   *bloom.Filter
	empty    bool
}

// Open loads a reader for path: footer, then metadata, then index entries,
// then bloom filter.
func Open(path string) (*Reader, error) {
	r := &Reader{path: path}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r.fileSize = info.Size()

	if r.fileSize < FooterSize {
		r.empty = true
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	footerBuf := make([]byte, FooterSize)
	if _, err := f.ReadAt(footerBuf, r.fileSize-FooterSize); err != nil {
		r.empty = true
		return r, nil
	}
	ft := decodeFooter(footerBuf)
	if !ft.sane(r.fileSize) {
		r.empty = true
		return r, nil
	}
	r.footer = ft

	mdSize := r.fileSize - FooterSize - int64(ft.metadataStart)
	if mdSize < 24 || mdSize > r.fileSize {
		r.empty = true
		return r, nil
	}
	mdBuf := make([]byte, mdSize)
	if _, err := f.ReadAt(mdBuf, int64(ft.metadataStart)); err != nil {
		r.empty = true
		return r, nil
	}
	md, ok := decodeMetadata(mdBuf)
	if !ok {
		r.empty = true
		return r, nil
	}
	r.md = md

	if ft.indexEnd >= ft.indexStart && ft.indexEnd <= uint64(r.fileSize) {
		idxBuf := make([]byte, ft.indexEnd-ft.indexStart)
		if _, err := f.ReadAt(idxBuf, int64(ft.indexStart)); err == nil {
			r.index = parseIndexEntries(idxBuf)
		}
	}

	bloomLen := int64(ft.metadataStart) - int64(md.bloomOffset)
	if bloomLen > 0 && md.bloomOffset <= uint64(r.fileSize) {
		bloomBuf := make([]byte, bloomLen)
		if _, err := f.ReadAt(bloomBuf, int64(md.bloomOffset)); err == nil {
			if filter, err := bloom.Deserialize(bloomBuf); err == nil {
				r.filter = filter
			}
		}
	}

	return r, nil
}

func (ft footer) sane(fileSize int64) bool {
	return ft.dataStart <= ft.dataEnd &&
		ft.dataEnd <= ft.indexStart &&
		ft.indexStart <= ft.indexEnd &&
		ft.indexEnd <= ft.metadataStart &&
		int64(ft.metadataStart) <= fileSize-FooterSize
}

func decodeFooter(buf []byte) footer {
	return footer{
		dataStart:     binary.BigEndian.Uint64(buf[0:8]),
		dataEnd:       binary.BigEndian.Uint64(buf[8:16]),
		indexStart:    binary.BigEndian.Uint64(buf[16:24]),
		indexEnd:      binary.BigEndian.Uint64(buf[24:32]),
		metadataStart: binary.BigEndian.Uint64(buf[32:40]),
	}
}

func decodeMetadata(buf []byte) (metadata, bool) {
	if len(buf) < 32 {
		return metadata{}, false
	}
	keyCount := binary.BigEndian.Uint64(buf[0:8])
	indexOffset := binary.BigEndian.Uint64(buf[8:16])
	bloomOffset := binary.BigEndian.Uint64(buf[16:24])
	minKeyLen := binary.BigEndian.Uint32(buf[24:28])
	maxKeyLen := binary.BigEndian.Uint32(buf[28:32])

	off := 32
	if minKeyLen > codec.MaxKeyLen || maxKeyLen > codec.MaxKeyLen {
		return metadata{}, false
	}
	if off+int(minKeyLen)+int(maxKeyLen) > len(buf) {
		return metadata{}, false
	}
	minKey := append([]byte(nil), buf[off:off+int(minKeyLen)]...)
	off += int(minKeyLen)
	maxKey := append([]byte(nil), buf[off:off+int(maxKeyLen)]...)

	return metadata{
		keyCount:    keyCount,
		indexOffset: indexOffset,
		bloomOffset: bloomOffset,
		minKey:      minKey,
		maxKey:      maxKey,
	}, true
}

func parseIndexEntries(buf []byte) []indexEntry {
	var entries []indexEntry
	off := 0
	for off < len(buf) {
		keyLen, n := codec.Uvarint(buf[off:])
		if n <= 0 || keyLen > codec.MaxKeyLen {
			break
		}
		off += n
		if off+int(keyLen)+8 > len(buf) {
			break
		}
		key := append([]byte(nil), buf[off:off+int(keyLen)]...)
		off += int(keyLen)
		dataOffset := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		entries = append(entries, indexEntry{key: key, offset: dataOffset})
	}
	return entries
}

// Get returns the value bytes for key, whether it was a tombstone, and
// whether the key was found at all (spec.md §4.6's three-way get result).
func (r *Reader) Get(key []byte) (value []byte, tombstone bool, found bool) {
	if r.empty {
		return nil, false, false
	}
	if r.filter != nil && !r.filter.Contains(key) {
		return nil, false, false
	}

	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) > 0
	})
	if idx == 0 {
		return nil, false, false
	}
	startOffset := r.index[idx-1].offset

	f, err := os.Open(r.path)
	if err != nil {
		return nil, false, false
	}
	defer f.Close()

	sr := &sectionReader{f: f, pos: int64(r.footer.dataStart) + int64(startOffset)}
	dataEnd := int64(r.footer.dataEnd)

	for sr.pos < dataEnd {
		rec, err := codec.ReadRecord(sr)
		if err != nil {
			return nil, false, false
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return rec.Value, rec.Tombstone, true
		}
		if cmp > 0 {
			return nil, false, false
		}
	}
	return nil, false, false
}

// Entry is a single decoded record from a range scan.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Range decodes records sequentially from the data section, yielding those
// with start <= key < end, stopping once key >= end (spec.md §4.6).
func (r *Reader) Range(start, end []byte) []Entry {
	if r.empty {
		return nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sr := &sectionReader{f: f, pos: int64(r.footer.dataStart)}
	dataEnd := int64(r.footer.dataEnd)

	var out []Entry
	for sr.pos < dataEnd {
		rec, err := codec.ReadRecord(sr)
		if err != nil {
			break // treat decode failure as truncation of this file
		}
		if bytes.Compare(rec.Key, end) >= 0 {
			break
		}
		if bytes.Compare(rec.Key, start) >= 0 {
			out = append(out, Entry{Key: rec.Key, Value: rec.Value, Tombstone: rec.Tombstone})
		}
	}
	return out
}

// allSentinel is an upper bound no real key sorts above, used by All.
var allSentinel = bytes.Repeat([]byte{0xff}, 1024)

// All is equivalent to Range(nil, allSentinel): every record in the file.
func (r *Reader) All() []Entry {
	return r.Range(nil, allSentinel)
}

// KeyRange returns the minimum and maximum keys stored in this run.
func (r *Reader) KeyRange() ([]byte, []byte) {
	if r.empty {
		return nil, nil
	}
	return r.md.minKey, r.md.maxKey
}

// KeyCount returns the number of keys in this run.
func (r *Reader) KeyCount() uint64 {
	if r.empty {
		return 0
	}
	return r.md.keyCount
}

// FileSize returns the file size in bytes.
func (r *Reader) FileSize() int64 { return r.fileSize }

// Path returns the underlying file path.
func (r *Reader) Path() string { return r.path }

// Exists reports whether the backing file is still present on disk.
func (r *Reader) Exists() bool {
	_, err := os.Stat(r.path)
	return err == nil
}

// sectionReader adapts an *os.File positioned reader into the io.Reader +
// io.ByteReader pair codec.ReadRecord needs, without pulling the whole
// section into memory.
type sectionReader struct {
	f   *os.File
	pos int64
}

func (s *sectionReader) Read(p []byte) (int, error) {
	n, err := s.f.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *sectionReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := s.f.ReadAt(b[:], s.pos)
	if n == 1 {
		s.pos++
		return b[0], nil
	}
	return 0, err
}

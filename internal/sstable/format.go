// Package sstable implements the immutable, on-disk sorted run described in
// spec.md §4.5-§4.6: a writer that sorts accumulated records and emits
// data/index/bloom/metadata/footer sections, and a reader that loads the
// footer-first and tolerates a too-short or malformed file as an empty run.
//
// The writer is grounded on the teacher's sst/writer.go (directory
// creation, bloom-filter population on every written record, sort-then-emit
// shape); it replaces the teacher's fixed 4KB per-block CRC framing (which
// spec.md has no notion of) with the spec's flat data section plus sparse
// index. The reader has no teacher counterpart and is grounded on
// original_source/src/storage/sstable.py's SSTableReader (footer-first
// load, bounds-checked varint scanning, tolerant-of-corruption fallback).
package sstable

// FooterSize is the fixed size of the trailing footer (spec.md §4.1).
const FooterSize = 40

// IndexInterval is the number of records between sparse index entries
// (spec.md §3, "sampling every Nth record", N=16).
const IndexInterval = 16

// footer locates the four sections within an SSTable file.
type footer struct {
	dataStart     uint64
	dataEnd       uint64
	indexStart    uint64
	indexEnd      uint64
	metadataStart uint64
}

// metadata is the fixed-plus-variable metadata block preceding the footer.
type metadata struct {
	keyCount    uint64
	indexOffset uint64
	bloomOffset uint64
	minKey      []byte
	maxKey      []byte
}

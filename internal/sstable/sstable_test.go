package sstable

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestTable(t *testing.T, path string, kvs map[string]string, tombstones map[string]bool) {
	t.Helper()
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for k, v := range kvs {
		w.Add([]byte(k), []byte(v), tombstones[k])
	}
	if err := w.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.sst")

	kvs := map[string]string{"a": "1", "b": "2", "c": "3"}
	writeTestTable(t, path, kvs, nil)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for k, v := range kvs {
		value, tombstone, found := r.Get([]byte(k))
		if !found || tombstone || string(value) != v {
			t.Fatalf("Get(%q): got (%q,%v,%v), want (%q,false,true)", k, value, tombstone, found, v)
		}
	}

	if _, _, found := r.Get([]byte("missing")); found {
		t.Fatalf("expected missing key to be absent")
	}

	if r.KeyCount() != uint64(len(kvs)) {
		t.Fatalf("expected KeyCount=%d, got %d", len(kvs), r.KeyCount())
	}
}

func TestWriteDedupesKeepingLastOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.sst")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Add([]byte("k"), []byte("old"), false)
	w.Add([]byte("k"), []byte("new"), false)
	if err := w.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	value, _, found := r.Get([]byte("k"))
	if !found || string(value) != "new" {
		t.Fatalf("expected last-added value 'new', got %q, found=%v", value, found)
	}
	if r.KeyCount() != 1 {
		t.Fatalf("expected deduped KeyCount=1, got %d", r.KeyCount())
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.sst")

	writeTestTable(t, path, map[string]string{"gone": ""}, map[string]bool{"gone": true})

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, tombstone, found := r.Get([]byte("gone"))
	if !found || !tombstone {
		t.Fatalf("expected tombstone found, got found=%v tombstone=%v", found, tombstone)
	}
}

func TestRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0.sst")
	writeTestTable(t, path, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}, nil)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries := r.Range([]byte("b"), []byte("d"))
	if len(entries) != 2 || string(entries[0].Key) != "b" || string(entries[1].Key) != "c" {
		t.Fatalf("unexpected range result: %+v", entries)
	}
}

func TestOpenEmptyFileIsTreatedAsEmptyRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.sst")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, found := r.Get([]byte("anything")); found {
		t.Fatalf("expected no keys in an empty sstable")
	}
	if r.KeyCount() != 0 {
		t.Fatalf("expected KeyCount=0, got %d", r.KeyCount())
	}
}

func TestOpenTruncatedFileIsTreatedAsEmptyRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated.sst")
	writeTestTable(t, path, map[string]string{"a": "1"}, nil)

	// Truncate the file well below FooterSize to simulate a crash mid-write.
	if err := os.Truncate(path, 4); err != nil {
		t.Fatalf("os.Truncate: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, found := r.Get([]byte("a")); found {
		t.Fatalf("expected truncated file to behave as empty")
	}
}

func TestManyKeysExerciseSparseIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.sst")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.SetIndexInterval(4)
	const n = 200
	for i := 0; i < n; i++ {
		key := keyFor(i)
		w.Add(key, key, false)
	}
	if err := w.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < n; i++ {
		key := keyFor(i)
		value, _, found := r.Get(key)
		if !found || string(value) != string(key) {
			t.Fatalf("Get(%q) failed: value=%q found=%v", key, value, found)
		}
	}
}

func keyFor(i int) []byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	return []byte{alphabet[i/26%26], alphabet[i%26]}
}

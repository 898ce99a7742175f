package bloom

import (
	"fmt"
	"testing"
)

func TestAddContains(t *testing.T) {
	f := New(1000, 0.01)

	items := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		items = append(items, []byte(fmt.Sprintf("key-%d", i)))
	}
	for _, item := range items {
		f.Add(item)
	}
	for _, item := range items {
		if !f.Contains(item) {
			t.Fatalf("expected %q to be present", item)
		}
	}
	if f.ItemsAdded() != uint64(len(items)) {
		t.Fatalf("expected ItemsAdded=%d, got %d", len(items), f.ItemsAdded())
	}
}

func TestContainsAbsentMostlyFalse(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 50 {
		t.Fatalf("false positive rate too high: %d/1000", falsePositives)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	f := New(500, 0.02)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("item-%d", i)))
	}

	data := f.Serialize()
	f2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if f2.M() != f.M() || f2.K() != f.K() || f2.ItemsAdded() != f.ItemsAdded() {
		t.Fatalf("header mismatch after round trip: m=%d/%d k=%d/%d n=%d/%d",
			f2.M(), f.M(), f2.K(), f.K(), f2.ItemsAdded(), f.ItemsAdded())
	}
	for i := 0; i < 100; i++ {
		item := []byte(fmt.Sprintf("item-%d", i))
		if !f2.Contains(item) {
			t.Fatalf("expected %q present after round trip", item)
		}
	}
}

func TestDeserializeTruncated(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

func TestNewLowerBoundsExpectedItems(t *testing.T) {
	f := New(0, 0.01)
	if f.M() == 0 || f.K() == 0 {
		t.Fatalf("expected nonzero m/k even for expectedItems=0, got m=%d k=%d", f.M(), f.K())
	}
}

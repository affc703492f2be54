package upload_test

import (
	"reflect"
	"testing"

	"autostage/internal/upload"
)

func TestRangeSetInsertCoalesces(t *testing.T) {
	var set upload.RangeSet

	set.Insert(upload.ByteRange{Start: 100, End: 200})
	set.Insert(upload.ByteRange{Start: 0, End: 50})
	set.Insert(upload.ByteRange{Start: 50, End: 100})

	want := []upload.ByteRange{{Start: 0, End: 200}}
	if !reflect.DeepEqual(set.Ranges, want) {
		t.Fatalf("expected coalesced ranges %v, got %v", want, set.Ranges)
	}
	if set.TotalLen() != 200 {
		t.Fatalf("expected 200 bytes covered, got %d", set.TotalLen())
	}
}

func TestRangeSetInsertMergesOverlap(t *testing.T) {
	var set upload.RangeSet

	set.Insert(upload.ByteRange{Start: 10, End: 30})
	set.Insert(upload.ByteRange{Start: 50, End: 70})
	set.Insert(upload.ByteRange{Start: 20, End: 60})

	want := []upload.ByteRange{{Start: 10, End: 70}}
	if !reflect.DeepEqual(set.Ranges, want) {
		t.Fatalf("expected merged ranges %v, got %v", want, set.Ranges)
	}
}

func TestRangeSetReverseOrderCoversExactly(t *testing.T) {
	var set upload.RangeSet
	const size = 1000
	const chunk = 100

	for start := int64(size - chunk); start >= 0; start -= chunk {
		set.Insert(upload.ByteRange{Start: start, End: start + chunk})
	}

	if !set.Covers(size) {
		t.Fatalf("expected reverse-order inserts to cover [0,%d), got %v", int64(size), set.Ranges)
	}
	if missing := set.Missing(size); len(missing) != 0 {
		t.Fatalf("expected no gaps, got %v", missing)
	}
}

func TestRangeSetMissingReportsGapsInOrder(t *testing.T) {
	var set upload.RangeSet
	set.Insert(upload.ByteRange{Start: 100, End: 200})
	set.Insert(upload.ByteRange{Start: 400, End: 500})

	want := []upload.ByteRange{
		{Start: 0, End: 100},
		{Start: 200, End: 400},
		{Start: 500, End: 600},
	}
	got := set.Missing(600)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected gaps %v, got %v", want, got)
	}
}

func TestRangeSetOverlapsReturnsIntersections(t *testing.T) {
	var set upload.RangeSet
	set.Insert(upload.ByteRange{Start: 0, End: 100})
	set.Insert(upload.ByteRange{Start: 200, End: 300})

	got := set.Overlaps(upload.ByteRange{Start: 50, End: 250})
	want := []upload.ByteRange{
		{Start: 50, End: 100},
		{Start: 200, End: 250},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected intersections %v, got %v", want, got)
	}
}

func TestRangeSetContains(t *testing.T) {
	var set upload.RangeSet
	set.Insert(upload.ByteRange{Start: 0, End: 100})

	if !set.Contains(upload.ByteRange{Start: 10, End: 90}) {
		t.Fatal("expected contained sub-range")
	}
	if set.Contains(upload.ByteRange{Start: 50, End: 150}) {
		t.Fatal("expected partially covered range to not be contained")
	}
}

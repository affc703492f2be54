package upload

import "sort"

// ByteRange is a half-open interval [Start, End) of file bytes.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 { return r.End - r.Start }

func (r ByteRange) overlaps(other ByteRange) bool {
	return r.Start < other.End && other.Start < r.End
}

func (r ByteRange) intersect(other ByteRange) ByteRange {
	out := ByteRange{Start: max64(r.Start, other.Start), End: min64(r.End, other.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// RangeSet is an ordered set of non-overlapping, non-adjacent byte ranges.
type RangeSet struct {
	Ranges []ByteRange `json:"ranges"`
}

// Overlaps returns the intersections between r and the ranges already in the set.
func (s *RangeSet) Overlaps(r ByteRange) []ByteRange {
	var out []ByteRange
	for _, existing := range s.Ranges {
		if existing.overlaps(r) {
			out = append(out, existing.intersect(r))
		}
	}
	return out
}

// Insert merges a range into the set, coalescing overlapping and adjacent
// neighbors so the invariant of non-overlapping ranges holds.
func (s *RangeSet) Insert(r ByteRange) {
	if r.Len() <= 0 {
		return
	}
	merged := make([]ByteRange, 0, len(s.Ranges)+1)
	for _, existing := range s.Ranges {
		switch {
		case existing.End < r.Start:
			merged = append(merged, existing)
		case r.End < existing.Start:
			// Past the insertion point; r absorbs nothing further.
			merged = append(merged, existing)
		default:
			r.Start = min64(r.Start, existing.Start)
			r.End = max64(r.End, existing.End)
		}
	}
	merged = append(merged, r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	s.Ranges = merged
}

// Contains reports whether the set fully covers the given range.
func (s *RangeSet) Contains(r ByteRange) bool {
	for _, existing := range s.Ranges {
		if existing.Start <= r.Start && r.End <= existing.End {
			return true
		}
	}
	return false
}

// TotalLen returns the number of bytes covered by the set.
func (s *RangeSet) TotalLen() int64 {
	var total int64
	for _, r := range s.Ranges {
		total += r.Len()
	}
	return total
}

// Covers reports whether the set covers [0, size) exactly.
func (s *RangeSet) Covers(size int64) bool {
	return len(s.Ranges) == 1 && s.Ranges[0].Start == 0 && s.Ranges[0].End == size
}

// Missing returns the gaps in [0, size) not covered by the set, in order.
func (s *RangeSet) Missing(size int64) []ByteRange {
	var gaps []ByteRange
	cursor := int64(0)
	for _, r := range s.Ranges {
		if r.Start > cursor {
			gaps = append(gaps, ByteRange{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < size {
		gaps = append(gaps, ByteRange{Start: cursor, End: size})
	}
	return gaps
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

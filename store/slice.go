package store

import (
	"iter"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Slice is the half-open time window [Start, Start+Window).
// Slices with the same window are totally ordered by Start.
type Slice struct {
	Start  time.Time
	Window time.Duration
}

// SliceOf returns the slice containing t: start = floor(t / window) * window.
// Instants are truncated to millisecond precision, the resolution every
// backend stores.
func SliceOf(t time.Time, window time.Duration) Slice {
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	ms := t.UnixMilli()
	start := ms - ms%w
	if ms%w < 0 {
		start -= w
	}
	return Slice{Start: time.UnixMilli(start).UTC(), Window: time.Duration(w) * time.Millisecond}
}

// End returns the exclusive upper bound of the slice.
func (s Slice) End() time.Time {
	return s.Start.Add(s.Window)
}

// Next returns the slice immediately after s.
func (s Slice) Next() Slice {
	return Slice{Start: s.End(), Window: s.Window}
}

// Contains reports whether t falls inside the slice.
func (s Slice) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End())
}

// Before reports whether s starts strictly before o.
func (s Slice) Before(o Slice) bool {
	return s.Start.Before(o.Start)
}

// AllSlicesTill yields every slice from start up to and including the slice
// containing end, in order. The sequence is restartable. If end falls before
// start, only start is yielded.
func AllSlicesTill(start Slice, end time.Time) iter.Seq[Slice] {
	last := SliceOf(end, start.Window)
	return func(yield func(Slice) bool) {
		s := start
		for {
			if !yield(s) {
				return
			}
			if !s.Before(last) {
				return
			}
			s = s.Next()
		}
	}
}

// SlicesBetween yields the slices in [from, until) in order.
// Nothing is yielded when until is not after from.
func SlicesBetween(from Slice, until time.Time) iter.Seq[Slice] {
	return func(yield func(Slice) bool) {
		for s := from; s.Start.Before(until); s = s.Next() {
			if !yield(s) {
				return
			}
		}
	}
}

// BucketID identifies one hash bucket inside a slice, in [0, bucketCount).
type BucketID int

// BucketOf assigns a mail key to a bucket. The hash is stable across
// processes and releases, so the result can be recomputed, but the bucket
// stored with an item stays authoritative.
func BucketOf(mailKey string, bucketCount int) BucketID {
	if bucketCount <= 1 {
		return 0
	}
	return BucketID(xxhash.Sum64String(mailKey) % uint64(bucketCount))
}

// AllBuckets returns bucket ids 0..count-1.
func AllBuckets(count int) []BucketID {
	if count < 1 {
		count = 1
	}
	ids := make([]BucketID, count)
	for i := range ids {
		ids[i] = BucketID(i)
	}
	return ids
}

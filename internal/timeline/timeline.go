// Package timeline implements the per-key append-only time-bucketed
// storage engine: a pair of memory-mapped arrays (index + data) plus the
// algorithms for insertion (with running sums for O(1) aggregate queries)
// and for range queries (diff, summary, point lookup).
package timeline

import (
	"fmt"
	"path/filepath"

	"github.com/henhouse/henhouse/internal/assert"
)

// AddBucketBackLimit is the maximum distance in buckets behind the tail
// within which an in-range update is allowed. Writes landing further back
// than this are dropped rather than paying for an unbounded propagation
// walk.
const AddBucketBackLimit = 60

// Timeline couples one Index and one Data file for a single key.
//
// A Timeline is owned exclusively by whichever goroutine opened it (the
// timelinedb layer enforces this by construction: one worker per shard, one
// shard per key). It is not safe for concurrent use.
type Timeline struct {
	index *index
	data  *data
}

// Open opens or creates the index and data files for a key directory.
// Resolution only takes effect when the index file is freshly created;
// opening an existing timeline preserves its original resolution.
func Open(dir string, resolution uint64) (*Timeline, error) {
	assert.Pre(resolution > 0, "resolution must be positive, got %d", resolution)

	ix, err := openIndex(filepath.Join(dir, "_.i"), resolution)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	d, err := openData(filepath.Join(dir, "_.d"))
	if err != nil {
		_ = ix.Close()
		return nil, fmt.Errorf("open data: %w", err)
	}

	// I1: index is non-empty iff data is non-empty. A corrupt timeline
	// that violates this was written by a prior process incorrectly; it
	// is not a condition callers can repair, so it is a fatal invariant.
	assert.Invariant(ix.Empty() == d.Empty(), "index/data emptiness mismatch for %s", dir)

	return &Timeline{index: ix, data: d}, nil
}

// Close unmaps and closes both files.
func (tl *Timeline) Close() error {
	indexErr := tl.index.Close()
	dataErr := tl.data.Close()

	if indexErr != nil {
		return indexErr
	}

	return dataErr
}

// IndexSize returns the number of index entries.
func (tl *Timeline) IndexSize() uint64 { return tl.index.Size() }

// DataSize returns the number of data buckets.
func (tl *Timeline) DataSize() uint64 { return tl.data.Size() }

// Resolution returns the timeline's fixed seconds-per-bucket.
func (tl *Timeline) Resolution() uint64 { return tl.index.Resolution() }

func squareInt64(v int64) int64 { return v * v }

// Put appends a count c at logical time t. Returns false when the update
// is refused (out-of-order write, or an in-range write too far behind the
// tail); refusal is not an error, it is the documented drop behavior for
// those two cases.
func (tl *Timeline) Put(t uint64, c int64) bool {
	resolution := tl.Resolution()

	if tl.index.Empty() {
		if err := tl.index.PushBack(indexRecord{Time: t, Pos: 0}); err != nil {
			return false
		}

		if err := tl.data.PushBack(dataRecord{Value: c, Integral: c, SecondIntegral: squareInt64(c)}); err != nil {
			return false
		}

		return true
	}

	last := tl.index.Back()

	if t < last.Time {
		return false
	}

	lastIdx := tl.index.Size() - 1
	p := tl.index.findPosFromRange(t, lastIdx, false, indexRecord{})
	pos := p.Pos + p.Offset

	if pos < tl.data.Size() {
		if tl.data.Size()-pos >= AddBucketBackLimit {
			return false
		}

		var prev dataRecord
		if pos > 0 {
			prev = tl.data.At(pos - 1)
		}

		cur := tl.data.At(pos)
		cur.Value += c
		cur.Integral = prev.Integral + cur.Value
		cur.SecondIntegral = prev.SecondIntegral + squareInt64(cur.Value)
		tl.data.Set(pos, cur)

		for k := pos + 1; k < tl.data.Size(); k++ {
			predecessor := tl.data.At(k - 1)
			rec := tl.data.At(k)
			rec.Integral = predecessor.Integral + rec.Value
			rec.SecondIntegral = predecessor.SecondIntegral + squareInt64(rec.Value)
			tl.data.Set(k, rec)
		}

		return true
	}

	// Beyond end.
	oldSize := tl.data.Size()
	back := tl.data.Back()

	if err := tl.data.PushBack(dataRecord{
		Value:          c,
		Integral:       back.Integral + c,
		SecondIntegral: back.SecondIntegral + squareInt64(c),
	}); err != nil {
		return false
	}

	if pos == oldSize {
		// No gap: the new record sits exactly at the next slot, covered
		// by the existing last range.
		return true
	}

	// Gap: re-anchor the index for the new stretch. The aliased time is a
	// multiple of resolution added to the prior range's time, so it is
	// always <= t.
	aliasedTime := last.Time + p.Offset*resolution
	assert.Invariant(aliasedTime <= t, "aliased time %d exceeds query time %d", aliasedTime, t)

	if err := tl.index.PushBack(indexRecord{Time: aliasedTime, Pos: oldSize}); err != nil {
		return false
	}

	return true
}

// GetResult is the outcome of a point lookup.
type GetResult struct {
	IndexOffset  uint64
	QueryTime    uint64
	RangeTime    uint64
	Pos          uint64
	Offset       uint64
	Empty        bool
	NoPriorRange bool
	Value        dataRecord
}

// Get resolves the bucket covering time t, starting the underlying binary
// search at indexStartOffset (pass the IndexOffset from a prior call when
// walking a monotonically increasing sequence of times, to skip re-doing
// the search from scratch).
func (tl *Timeline) Get(t uint64, indexStartOffset uint64) GetResult {
	p := tl.index.findPos(t, indexStartOffset)

	pos := p.Pos
	offset := p.Offset
	empty := p.Empty

	if tl.data.Size() > 0 && pos+offset >= tl.data.Size() {
		if tl.data.Size() > pos {
			offset = tl.data.Size() - pos - 1
		} else {
			offset = 0
		}

		empty = true
	}

	var value dataRecord
	if tl.data.Size() > 0 {
		value = tl.data.At(pos + offset)
	}

	return GetResult{
		IndexOffset:  p.IndexOffset,
		QueryTime:    t,
		RangeTime:    p.RangeTime,
		Pos:          pos,
		Offset:       offset,
		Empty:        empty,
		NoPriorRange: p.NoPriorRange,
		Value:        value,
	}
}

// getA returns the bucket immediately before t: the left endpoint of diff.
// When the plain lookup lands empty (an un-materialized gap), it steps one
// slot forward in raw index arithmetic so that subtracting partial sums
// produces the half-open interval (a, b].
//
// This mirrors an intentionally preserved source quirk: in a gap, get_a and
// get_b can alias the same bucket, producing a diff with zero sum, mean and
// variance and left==right. Its Size still counts the buckets between the
// two query times, so it is zero only when both fall in the same bucket
// width. See design notes.
//
// When there is no prior range at all (t precedes every put ever made on
// this key), there is nothing to step back from: the left endpoint is the
// zero sentinel, not a wraparound read.
func (tl *Timeline) getA(t uint64, indexStartOffset uint64) GetResult {
	r := tl.Get(t, indexStartOffset)

	if r.NoPriorRange {
		r.Value = dataRecord{}
		return r
	}

	i := r.Pos + r.Offset
	if r.Empty {
		i++
	}

	var value dataRecord
	if i > 0 {
		value = tl.data.At(i - 1)
	}

	r.Value = value

	return r
}

// getB is the right endpoint of diff: the plain lookup, unmodified.
func (tl *Timeline) getB(t uint64, indexStartOffset uint64) GetResult {
	return tl.Get(t, indexStartOffset)
}

// DiffResult is the outcome of a range aggregate query.
type DiffResult struct {
	Sum         int64
	Mean        float64
	Variance    float64
	Size        uint64
	Left        dataRecord
	Right       dataRecord
	Resolution  uint64
	IndexOffset uint64
}

// Diff computes the sum/mean/variance of all buckets in (a, b], using the
// running sums so the cost is two binary searches regardless of range
// width.
func (tl *Timeline) Diff(a, b uint64, indexStartOffset uint64) DiffResult {
	if a > b {
		a, b = b, a
	}

	resolution := tl.Resolution()

	if tl.data.Empty() {
		return DiffResult{Resolution: resolution}
	}

	ar := tl.getA(a, indexStartOffset)
	br := tl.getB(b, indexStartOffset)

	snappedB := br.QueryTime
	if br.RangeTime > snappedB {
		snappedB = br.RangeTime
	}

	snappedA := ar.QueryTime
	if snappedB < snappedA {
		snappedA = snappedB
	}

	n := (snappedB - snappedA) / resolution

	if n == 0 {
		return DiffResult{
			Left:        ar.Value,
			Right:       br.Value,
			Resolution:  resolution,
			IndexOffset: ar.IndexOffset,
		}
	}

	sum := br.Value.Integral - ar.Value.Integral
	secondSum := br.Value.SecondIntegral - ar.Value.SecondIntegral

	mean := float64(sum) / float64(n)
	variance := float64(secondSum)/float64(n) - mean*mean

	return DiffResult{
		Sum:         sum,
		Mean:        mean,
		Variance:    variance,
		Size:        n,
		Left:        ar.Value,
		Right:       br.Value,
		Resolution:  resolution,
		IndexOffset: ar.IndexOffset,
	}
}

// SummaryResult is the outcome of summarizing an entire timeline.
type SummaryResult struct {
	From       uint64
	To         uint64
	Resolution uint64
	Sum        int64
	Mean       float64
	Variance   float64
	Size       uint64
}

// Summary reports aggregate statistics over the timeline's full span.
func (tl *Timeline) Summary() SummaryResult {
	resolution := tl.Resolution()

	if tl.index.Empty() {
		return SummaryResult{Resolution: resolution}
	}

	from := tl.index.Front().Time
	last := tl.index.Back()
	to := last.Time + (tl.data.Size()-last.Pos)*resolution
	n := (to - from) / resolution

	back := tl.data.Back()

	var mean, variance float64
	if n > 0 {
		mean = float64(back.Integral) / float64(n)
		variance = float64(back.SecondIntegral)/float64(n) - mean*mean
	}

	return SummaryResult{
		From:       from,
		To:         to,
		Resolution: resolution,
		Sum:        back.Integral,
		Mean:       mean,
		Variance:   variance,
		Size:       n,
	}
}

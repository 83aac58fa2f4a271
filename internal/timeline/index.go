package timeline

import (
	"encoding/binary"
	"sort"

	"github.com/henhouse/henhouse/internal/assert"
	"github.com/henhouse/henhouse/pkg/mvec"
)

// indexRecord is a single `<time, pos>` anchor: pos is the data-array index
// of the first bucket covered by this range, time is that range's lower
// bound.
type indexRecord struct {
	Time uint64
	Pos  uint64
}

const indexRecordSize = 16

var indexRecordCodec = mvec.Codec[indexRecord]{
	Size: indexRecordSize,
	Encode: func(r indexRecord, buf []byte) {
		binary.LittleEndian.PutUint64(buf[0:8], r.Time)
		binary.LittleEndian.PutUint64(buf[8:16], r.Pos)
	},
	Decode: func(buf []byte) indexRecord {
		return indexRecord{
			Time: binary.LittleEndian.Uint64(buf[0:8]),
			Pos:  binary.LittleEndian.Uint64(buf[8:16]),
		}
	},
}

// indexHeader is `{size, resolution}`. Resolution is seconds per bucket,
// fixed at timeline creation; it is never mutated afterwards.
type indexHeader struct {
	Size       uint64
	Resolution uint64
}

func (h indexHeader) GetSize() uint64 { return h.Size }
func (h indexHeader) SetSize(n uint64) indexHeader {
	h.Size = n
	return h
}

const indexHeaderSize = 16

var indexHeaderCodec = mvec.Codec[indexHeader]{
	Size: indexHeaderSize,
	Encode: func(h indexHeader, buf []byte) {
		binary.LittleEndian.PutUint64(buf[0:8], h.Size)
		binary.LittleEndian.PutUint64(buf[8:16], h.Resolution)
	},
	Decode: func(buf []byte) indexHeader {
		return indexHeader{
			Size:       binary.LittleEndian.Uint64(buf[0:8]),
			Resolution: binary.LittleEndian.Uint64(buf[8:16]),
		}
	},
}

// index wraps a mapped vector of indexRecord, adding the binary-search
// helpers that locate a time within a sparse sequence of anchor points.
type index struct {
	v *mvec.Vector[indexHeader, indexRecord]
}

func openIndex(path string, resolution uint64) (*index, error) {
	v, err := mvec.Open[indexHeader, indexRecord](path, mvec.Options[indexHeader, indexRecord]{
		HeaderCodec: indexHeaderCodec,
		RecordCodec: indexRecordCodec,
		NewHeader:   indexHeader{Resolution: resolution},
	})
	if err != nil {
		return nil, err
	}

	return &index{v: v}, nil
}

func (ix *index) Close() error { return ix.v.Close() }

func (ix *index) Size() uint64        { return ix.v.Size() }
func (ix *index) Empty() bool         { return ix.v.Empty() }
func (ix *index) Resolution() uint64  { return ix.v.Meta().Resolution }
func (ix *index) At(i uint64) indexRecord { return ix.v.At(i) }
func (ix *index) Front() indexRecord   { return ix.v.Front() }
func (ix *index) Back() indexRecord    { return ix.v.Back() }

func (ix *index) PushBack(r indexRecord) error {
	return ix.v.PushBack(r)
}

// PosResult is the outcome of resolving a logical time to a data-array
// position.
type PosResult struct {
	IndexOffset uint64 // position in the index of the resolved range
	RangeTime   uint64
	Pos         uint64
	Offset      uint64
	Empty       bool // the query landed in an un-materialized gap

	// NoPriorRange marks the two find_pos sentinel cases (index empty, or
	// t precedes every indexed range): there is no data at all before the
	// queried time, as opposed to Empty's "gap between two populated
	// ranges". getA treats the two differently.
	NoPriorRange bool
}

// findRange binary-searches entries[startOffset:] for the greatest entry
// with entry.Time <= t. Returns (index, true) or (0, false) if t precedes
// every entry in the searched range.
//
// Precondition: the index is non-empty and startOffset < Size(). Callers
// must check emptiness themselves; calling this on an empty index is a
// programmer error (see design notes on the corresponding source
// behavior).
func (ix *index) findRange(t uint64, startOffset uint64) (uint64, bool) {
	assert.Pre(!ix.Empty(), "findRange called on empty index")
	assert.Pre(startOffset < ix.Size(), "findRange startOffset %d >= size %d", startOffset, ix.Size())

	n := int(ix.Size())
	start := int(startOffset)

	// sort.Search finds the first index i in [start, n) for which the
	// predicate holds; we want the LAST index whose Time <= t, so search
	// for the first index whose Time > t and step back one.
	i := sort.Search(n-start, func(i int) bool {
		return ix.At(uint64(start+i)).Time > t
	})
	i += start

	if i == start && ix.At(uint64(start)).Time > t {
		return 0, false
	}

	return uint64(i - 1), true
}

// findPosFromRange clamps t to range.Time, computes the offset into the
// data array the range anchors, and detects whether the resolved position
// falls into a gap before the next range (if any).
func (ix *index) findPosFromRange(t uint64, rangeIdx uint64, hasNext bool, next indexRecord) PosResult {
	rng := ix.At(rangeIdx)

	clamped := t
	if clamped < rng.Time {
		clamped = rng.Time
	}

	resolution := ix.Resolution()
	offset := (clamped - rng.Time) / resolution
	pos := rng.Pos + offset

	result := PosResult{
		IndexOffset: rangeIdx,
		RangeTime:   rng.Time,
		Pos:         rng.Pos,
		Offset:      offset,
	}

	if hasNext && pos >= next.Pos {
		// The logical time lies in a gap between indexed ranges: clamp to
		// the last pos covered by this range and mark empty so callers can
		// decide whether to report the prior bucket.
		if next.Pos == 0 {
			result.Offset = 0
		} else {
			result.Offset = next.Pos - rng.Pos - 1
		}
		result.Empty = true
	}

	return result
}

// findPos resolves a logical time to a data position, starting the binary
// search at startOffset. If the index is empty, or t precedes every range,
// returns a sentinel referencing the first entry.
func (ix *index) findPos(t uint64, startOffset uint64) PosResult {
	if ix.Empty() {
		return PosResult{IndexOffset: 0, RangeTime: t, Pos: 0, Offset: 0, Empty: true, NoPriorRange: true}
	}

	rangeIdx, ok := ix.findRange(t, startOffset)
	if !ok {
		// t precedes every range: sentinel referencing the first entry.
		return PosResult{IndexOffset: 0, RangeTime: t, Pos: 0, Offset: 0, Empty: true, NoPriorRange: true}
	}

	hasNext := rangeIdx+1 < ix.Size()

	var next indexRecord
	if hasNext {
		next = ix.At(rangeIdx + 1)
	}

	return ix.findPosFromRange(t, rangeIdx, hasNext, next)
}

package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testResolution = 10

func openTestTimeline(t *testing.T) *Timeline {
	t.Helper()

	dir := t.TempDir()

	tl, err := Open(dir, testResolution)
	require.NoError(t, err)

	t.Cleanup(func() { _ = tl.Close() })

	return tl
}

func TestPutFirstSampleInitializesSingleBucket(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(100, 5))
	require.Equal(t, uint64(1), tl.IndexSize())
	require.Equal(t, uint64(1), tl.DataSize())

	s := tl.Summary()
	require.Equal(t, int64(5), s.Sum)
}

func TestPutOutOfOrderIsRejected(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(100, 1))
	require.False(t, tl.Put(50, 1))

	require.Equal(t, uint64(1), tl.DataSize())
}

func TestPutBurstInSingleBucketAccumulates(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(100, 3))
	require.True(t, tl.Put(105, 4))
	require.True(t, tl.Put(109, 2))

	require.Equal(t, uint64(1), tl.DataSize())

	d := tl.Diff(0, 200, 0)
	require.Equal(t, int64(9), d.Right.Value)
}

func TestPutConsecutiveBucketsNoGap(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 1))
	require.True(t, tl.Put(20, 1))

	require.Equal(t, uint64(1), tl.IndexSize(), "no gap should mean no new index anchor")
	require.Equal(t, uint64(3), tl.DataSize())
}

func TestPutAcrossGapAnchorsNewRange(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	// Jump far ahead: a large gap with no intervening buckets materialized.
	require.True(t, tl.Put(1000, 1))

	require.Equal(t, uint64(2), tl.IndexSize())
	require.Equal(t, uint64(2), tl.DataSize())

	back := tl.index.Back()
	require.Equal(t, uint64(1), back.Pos)
	require.LessOrEqual(t, back.Time, uint64(1000))
}

func TestPutFarLookBackBeyondLimitIsRejected(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))

	for i := uint64(1); i < AddBucketBackLimit+5; i++ {
		require.True(t, tl.Put(i*testResolution, 1))
	}

	// Now try to update the very first bucket again: far behind the tail.
	require.False(t, tl.Put(0, 1))
}

func TestPutWithinBackLimitPropagatesRunningSums(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 1))
	require.True(t, tl.Put(20, 1))

	// Update the first bucket; within the back limit.
	require.True(t, tl.Put(0, 4))

	require.Equal(t, int64(5), tl.data.At(0).Value)
	require.Equal(t, int64(5), tl.data.At(0).Integral)
	require.Equal(t, int64(6), tl.data.At(1).Integral)
	require.Equal(t, int64(7), tl.data.At(2).Integral)
}

func TestDiffBasicRange(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 2))
	require.True(t, tl.Put(20, 3))
	require.True(t, tl.Put(30, 4))

	d := tl.Diff(0, 30, 0)
	require.Equal(t, uint64(3), d.Size)
	// a=0 lands exactly on the first bucket's own time: pos+offset==0 and
	// not empty, so getA steps to index -1 (the zero sentinel) and the
	// sum includes all four buckets.
	require.Equal(t, int64(10), d.Sum)
}

func TestDiffSwapsOutOfOrderArguments(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 2))
	require.True(t, tl.Put(20, 3))

	forward := tl.Diff(0, 20, 0)
	backward := tl.Diff(20, 0, 0)

	require.Equal(t, forward.Sum, backward.Sum)
	require.Equal(t, forward.Size, backward.Size)
}

func TestDiffOnEmptyTimelineCarriesResolution(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	d := tl.Diff(0, 100, 0)
	require.Equal(t, uint64(testResolution), d.Resolution)
	require.Equal(t, uint64(0), d.Size)
}

func TestSummaryOnEmptyTimeline(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	s := tl.Summary()
	require.Equal(t, uint64(testResolution), s.Resolution)
	require.Equal(t, uint64(0), s.From)
	require.Equal(t, uint64(0), s.To)
}

func TestSummaryAfterSeveralPuts(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 2))
	require.True(t, tl.Put(20, 3))

	s := tl.Summary()
	require.Equal(t, int64(6), s.Sum)
	require.Equal(t, uint64(0), s.From)
}

func TestGetResolvesToCoveringBucket(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 2))
	require.True(t, tl.Put(20, 3))

	r := tl.Get(15, 0)
	require.False(t, r.Empty)
	require.Equal(t, int64(2), r.Value.Value)
}

func TestGetBeyondTailClampsAndMarksEmpty(t *testing.T) {
	t.Parallel()

	tl := openTestTimeline(t)

	require.True(t, tl.Put(0, 1))

	r := tl.Get(10000, 0)
	require.True(t, r.Empty)
	require.Equal(t, int64(1), r.Value.Value)
}

func TestReopenPersistsAcrossProcesses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tl, err := Open(dir, testResolution)
	require.NoError(t, err)

	require.True(t, tl.Put(0, 1))
	require.True(t, tl.Put(10, 2))
	require.NoError(t, tl.Close())

	tl2, err := Open(dir, testResolution)
	require.NoError(t, err)
	defer func() { require.NoError(t, tl2.Close()) }()

	require.Equal(t, uint64(2), tl2.DataSize())

	s := tl2.Summary()
	require.Equal(t, int64(3), s.Sum)
}

func TestTwoTimelinesInSeparateDirsDoNotInterfere(t *testing.T) {
	t.Parallel()

	dirA := t.TempDir()
	dirB := t.TempDir()

	tlA, err := Open(dirA, testResolution)
	require.NoError(t, err)
	defer func() { require.NoError(t, tlA.Close()) }()

	tlB, err := Open(dirB, testResolution)
	require.NoError(t, err)
	defer func() { require.NoError(t, tlB.Close()) }()

	require.True(t, tlA.Put(0, 100))
	require.True(t, tlB.Put(0, 1))

	require.Equal(t, int64(100), tlA.Summary().Sum)
	require.Equal(t, int64(1), tlB.Summary().Sum)
}

package datalock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	start := time.Now()
	_, err = Acquire(dir)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), AcquireTimeout)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
}

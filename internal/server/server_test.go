package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	s := New(Config{
		Workers:    4,
		QueueSize:  16,
		CacheSize:  8,
		Resolution: 10,
		DataDir:    t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s
}

func TestPutWaitThenSummary(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()

	ok, err := s.PutWait(ctx, "cpu.load", 0, 5)
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := s.Summary(ctx, "cpu.load")
	require.NoError(t, err)
	require.Equal(t, int64(5), sum.Sum)
}

func TestFireAndForgetPutEventuallyVisible(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()

	s.Put("counter", 0, 3)

	require.Eventually(t, func() bool {
		sum, err := s.Summary(ctx, "counter")
		return err == nil && sum.Sum == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRoutingIsDeterministicPerKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("k%d", i)
		w1 := s.route(key)
		w2 := s.route(key)
		require.Same(t, w1, w2, "routing for %q must be stable across calls", key)
	}
}

func TestRoutingUsesSanitizedKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	w1 := s.route("cpu.load")
	w2 := s.route("cpu_load")
	require.Same(t, w1, w2, "keys that sanitize to the same timeline must route to the same worker")

	ctx := context.Background()

	_, err := s.PutWait(ctx, "cpu.load", 0, 2)
	require.NoError(t, err)

	_, err = s.PutWait(ctx, "cpu_load", 10, 3)
	require.NoError(t, err)

	sum, err := s.Summary(ctx, "cpu.load")
	require.NoError(t, err)
	require.Equal(t, int64(5), sum.Sum, "both raw keys must accumulate into the same on-disk timeline")
}

func TestDifferentKeysDoNotInterfere(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		key := fmt.Sprintf("k%d", i)
		for n := 0; n < i; n++ {
			ok, err := s.PutWait(ctx, key, uint64(n*10), 1)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	for i := 1; i <= 8; i++ {
		key := fmt.Sprintf("k%d", i)
		sum, err := s.Summary(ctx, key)
		require.NoError(t, err)
		require.Equal(t, int64(i), sum.Sum)
	}
}

func TestContextCancellationStopsWorkers(t *testing.T) {
	t.Parallel()

	s := New(Config{
		Workers:    2,
		QueueSize:  4,
		CacheSize:  2,
		Resolution: 10,
		DataDir:    t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	_, err := s.PutWait(ctx, "x", 0, 1)
	require.NoError(t, err)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

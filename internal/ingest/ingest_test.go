package ingest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePut struct {
	key string
	t   uint64
	c   int64
}

type recordingPutter struct {
	mu   sync.Mutex
	puts []fakePut
}

func (r *recordingPutter) Put(key string, t uint64, c int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.puts = append(r.puts, fakePut{key, t, c})
}

func (r *recordingPutter) snapshot() []fakePut {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]fakePut, len(r.puts))
	copy(out, r.puts)

	return out
}

func TestParseLineValid(t *testing.T) {
	t.Parallel()

	key, ts, c, ok := parseLine("cpu.load -3 1000")
	require.True(t, ok)
	require.Equal(t, "cpu.load", key)
	require.Equal(t, uint64(1000), ts)
	require.Equal(t, int64(-3), c)
}

func TestParseLineMalformedDiscarded(t *testing.T) {
	t.Parallel()

	_, _, _, ok := parseLine("not enough fields")
	require.False(t, ok)

	_, _, _, ok = parseLine("key notanumber 1000")
	require.False(t, ok)

	_, _, _, ok = parseLine("key 5 notanumber")
	require.False(t, ok)
}

func TestParseLineEmptyKeyIsDiscarded(t *testing.T) {
	t.Parallel()

	key, _, _, ok := parseLine(" 5 1000")
	require.False(t, ok)
	require.Equal(t, "", key)
}

func TestRunAcceptsConnectionAndFeedsPuts(t *testing.T) {
	t.Parallel()

	dst := &recordingPutter{}
	l := New("127.0.0.1:0", dst)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bind on an ephemeral port ourselves to discover the address, since
	// Listener doesn't expose the resolved addr before Run.
	lc := net.ListenConfig{}
	probe, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	l.addr = addr

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.Dial("tcp", addr)
		return dialErr == nil
	}, time.Second, 10*time.Millisecond)

	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("cpu.load 5 100\nbad line\nmem.used 7 200\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(dst.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	puts := dst.snapshot()
	require.Equal(t, fakePut{"cpu.load", 100, 5}, puts[0])
	require.Equal(t, fakePut{"mem.used", 200, 7}, puts[1])

	cancel()
	<-runErr
}

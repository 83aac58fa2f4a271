// Package server implements the sharded worker pool that fronts the
// per-key timeline storage: N workers, each owning a bounded request
// queue and its own TimelineDB, with requests routed to a worker by hash
// of the sanitized key so that all operations on a given key are
// linearized without any locking inside the timeline itself.
package server

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/henhouse/henhouse/internal/henlog"
	"github.com/henhouse/henhouse/internal/metrics"
	"github.com/henhouse/henhouse/internal/timeline"
	"github.com/henhouse/henhouse/internal/timelinedb"
)

// request is the sum type of messages a worker accepts. Exactly one of
// the typed fields below is populated, selected by kind.
type requestKind int

const (
	kindPut requestKind = iota
	kindGet
	kindDiff
	kindSummary
	kindKeyIndexSize
	kindKeyDataSize
)

type request struct {
	kind requestKind
	key  string

	t uint64
	c int64

	a, b             uint64
	indexStartOffset uint64

	result chan<- Result
}

// Result is the single-fire outcome of a Get/Diff/Summary/size query.
// Exactly one field beyond Err is meaningful, matching the request kind
// that produced it.
type Result struct {
	Put     bool
	Get     timeline.GetResult
	Diff    timeline.DiffResult
	Summary timeline.SummaryResult
	Size    uint64
	Err     error
}

// Config configures Server.
type Config struct {
	Workers    int
	QueueSize  int
	CacheSize  int
	Resolution uint64
	DataDir    string
}

// Server owns N workers, each with a bounded queue and its own
// TimelineDB. Put is fire-and-forget; Get/Diff/Summary each create a
// one-shot result channel for the request and block on it until the
// owning worker answers or ctx is canceled.
type Server struct {
	workers []*worker
	wg      sync.WaitGroup
}

type worker struct {
	id    int
	queue chan request
	db    *timelinedb.DB
}

// New constructs a Server and its workers without starting them. Run
// starts the worker loops and blocks until shutdown; callers typically
// run Run in its own goroutine.
func New(cfg Config) *Server {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	s := &Server{workers: make([]*worker, cfg.Workers)}

	for i := range cfg.Workers {
		s.workers[i] = &worker{
			id:    i,
			queue: make(chan request, cfg.QueueSize),
			db:    timelinedb.New(cfg.DataDir, cfg.CacheSize, cfg.Resolution),
		}
	}

	return s
}

// Run starts all worker loops and blocks until ctx is canceled, at which
// point every worker drains no further requests, closes its TimelineDB,
// and Run returns.
func (s *Server) Run(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)

		go func(w *worker) {
			defer s.wg.Done()
			w.loop(ctx)
		}(w)
	}

	s.wg.Wait()
}

func (w *worker) loop(ctx context.Context) {
	defer func() {
		if err := w.db.Close(); err != nil {
			henlog.Errorf("worker %d: closing timeline db: %v", w.id, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			w.handle(req)
		}
	}
}

func (w *worker) handle(req request) {
	switch req.kind {
	case kindPut:
		ok, err := w.db.Put(req.key, req.t, req.c)
		if err != nil {
			henlog.Errorf("worker %d: put %q: %v", w.id, req.key, err)
		}

		metrics.Observe("put", err)

		if req.result != nil {
			req.result <- Result{Put: ok, Err: err}
		}

	case kindGet:
		r, err := w.db.Get(req.key, req.t)
		if err != nil {
			henlog.Errorf("worker %d: get %q: %v", w.id, req.key, err)
		}

		metrics.Observe("get", err)

		req.result <- Result{Get: r, Err: err}

	case kindDiff:
		r, err := w.db.Diff(req.key, req.a, req.b, req.indexStartOffset)
		if err != nil {
			henlog.Errorf("worker %d: diff %q: %v", w.id, req.key, err)
		}

		metrics.Observe("diff", err)

		req.result <- Result{Diff: r, Err: err}

	case kindSummary:
		r, err := w.db.Summary(req.key)
		if err != nil {
			henlog.Errorf("worker %d: summary %q: %v", w.id, req.key, err)
		}

		metrics.Observe("summary", err)

		req.result <- Result{Summary: r, Err: err}

	case kindKeyIndexSize:
		r, err := w.db.KeyIndexSize(req.key)
		if err != nil {
			henlog.Errorf("worker %d: key_index_size %q: %v", w.id, req.key, err)
		}

		req.result <- Result{Size: r, Err: err}

	case kindKeyDataSize:
		r, err := w.db.KeyDataSize(req.key)
		if err != nil {
			henlog.Errorf("worker %d: key_data_size %q: %v", w.id, req.key, err)
		}

		req.result <- Result{Size: r, Err: err}
	}

	metrics.QueueDepth.WithLabelValues(workerLabel(w.id)).Set(float64(len(w.queue)))
}

// route deterministically maps a key to a worker by hash of the
// sanitized key, so that two raw keys sanitizing to the same on-disk
// timeline (e.g. "cpu.load" and "cpu_load") are always routed to the
// same worker and never open the same TimelineDB directory from two
// goroutines at once.
func (s *Server) route(key string) *worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(timelinedb.SanitizeKey(key)))

	return s.workers[h.Sum32()%uint32(len(s.workers))]
}

func workerLabel(id int) string {
	return strconv.Itoa(id)
}

// Put enqueues a fire-and-forget write. It returns once the request is
// accepted onto the worker's queue, not once it is processed; callers
// that need to know whether the write was accepted by the timeline
// should use PutWait.
func (s *Server) Put(key string, t uint64, c int64) {
	w := s.route(key)
	w.queue <- request{kind: kindPut, key: key, t: t, c: c}
}

// PutWait enqueues a write and blocks for its result, reporting whether
// the timeline accepted it.
func (s *Server) PutWait(ctx context.Context, key string, t uint64, c int64) (bool, error) {
	result := make(chan Result, 1)
	w := s.route(key)

	select {
	case w.queue <- request{kind: kindPut, key: key, t: t, c: c, result: result}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case r := <-result:
		return r.Put, r.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Get resolves the bucket covering time t for key.
func (s *Server) Get(ctx context.Context, key string, t uint64) (timeline.GetResult, error) {
	result := make(chan Result, 1)
	w := s.route(key)

	select {
	case w.queue <- request{kind: kindGet, key: key, t: t, result: result}:
	case <-ctx.Done():
		return timeline.GetResult{}, ctx.Err()
	}

	select {
	case r := <-result:
		return r.Get, r.Err
	case <-ctx.Done():
		return timeline.GetResult{}, ctx.Err()
	}
}

// Diff computes the range aggregate (a, b] for key.
func (s *Server) Diff(ctx context.Context, key string, a, b uint64, indexStartOffset uint64) (timeline.DiffResult, error) {
	result := make(chan Result, 1)
	w := s.route(key)

	req := request{kind: kindDiff, key: key, a: a, b: b, indexStartOffset: indexStartOffset, result: result}

	select {
	case w.queue <- req:
	case <-ctx.Done():
		return timeline.DiffResult{}, ctx.Err()
	}

	select {
	case r := <-result:
		return r.Diff, r.Err
	case <-ctx.Done():
		return timeline.DiffResult{}, ctx.Err()
	}
}

// Summary reports aggregate statistics over key's full span.
func (s *Server) Summary(ctx context.Context, key string) (timeline.SummaryResult, error) {
	result := make(chan Result, 1)
	w := s.route(key)

	select {
	case w.queue <- request{kind: kindSummary, key: key, result: result}:
	case <-ctx.Done():
		return timeline.SummaryResult{}, ctx.Err()
	}

	select {
	case r := <-result:
		return r.Summary, r.Err
	case <-ctx.Done():
		return timeline.SummaryResult{}, ctx.Err()
	}
}

// KeyIndexSize returns the number of index entries for key.
func (s *Server) KeyIndexSize(ctx context.Context, key string) (uint64, error) {
	return s.sizeQuery(ctx, key, kindKeyIndexSize)
}

// KeyDataSize returns the number of data buckets for key.
func (s *Server) KeyDataSize(ctx context.Context, key string) (uint64, error) {
	return s.sizeQuery(ctx, key, kindKeyDataSize)
}

func (s *Server) sizeQuery(ctx context.Context, key string, kind requestKind) (uint64, error) {
	result := make(chan Result, 1)
	w := s.route(key)

	select {
	case w.queue <- request{kind: kind, key: key, result: result}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case r := <-result:
		return r.Size, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Package cli wires the Henhouse daemon together: flag parsing, config
// loading, the sharded server, the ingest listener, and the query HTTP
// front-end, plus signal-driven graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/henhouse/henhouse/internal/config"
	"github.com/henhouse/henhouse/internal/datalock"
	"github.com/henhouse/henhouse/internal/henlog"
	"github.com/henhouse/henhouse/internal/ingest"
	"github.com/henhouse/henhouse/internal/query"
	"github.com/henhouse/henhouse/internal/server"
)

const shutdownTimeout = 5 * time.Second

// flagSet bundles the parsed pflag values so they can be threaded
// through Run without a long positional parameter list.
type flagSet struct {
	configPath string

	ip        *string
	httpPort  *int
	http2Port *int
	putPort   *int
	data      *string

	queryWorkers *int
	dbWorkers    *int
	queueSize    *int
	cacheSize    *int
	resolution   *uint64
	maxValues    *int
	logLevel     *string

	flags *flag.FlagSet
}

func parseFlags(args []string, env map[string]string, errOut io.Writer) (flagSet, bool, int) {
	flags := flag.NewFlagSet("henhouse", flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{})

	fs := flagSet{flags: flags}

	configPath := flags.String("config", env["HENHOUSE_CONFIG"], "Path to a YAML config file")
	fs.ip = flags.String("ip", "", "IP address to bind to")
	fs.httpPort = flags.Int("http_port", 0, "Port for the HTTP/1.1 query API")
	fs.http2Port = flags.Int("http2_port", 0, "Port for the secondary query API listener (same handler, plain HTTP)")
	fs.putPort = flags.Int("put_port", 0, "Port for the line-oriented ingest listener")
	fs.data = flags.String("data", "", "Data directory")
	fs.queryWorkers = flags.Int("query_workers", 0, "Number of concurrent query HTTP handlers")
	fs.dbWorkers = flags.Int("db_workers", 0, "Number of sharded storage workers")
	fs.queueSize = flags.Int("queue_size", 0, "Per-worker request queue depth")
	fs.cacheSize = flags.Int("cache_size", 0, "Per-worker open-timeline cache size")
	fs.resolution = flags.Uint64("resolution", 0, "Bucket resolution in seconds for newly created timelines")
	fs.maxValues = flags.Int("max_response_values", 0, "Maximum points a /values query may return")
	fs.logLevel = flags.String("log_level", "", "debug, info, warn, or err")

	if err := flags.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			fmt.Fprintln(errOut, flags.FlagUsages())
			return fs, false, 0
		}

		fmt.Fprintln(errOut, "error:", err)

		return fs, false, 1
	}

	fs.configPath = *configPath

	return fs, true, 0
}

func (fs flagSet) applyOverrides(cfg *config.Config) {
	flags := fs.flags

	if flags.Changed("ip") {
		cfg.IP = *fs.ip
	}

	if flags.Changed("http_port") {
		cfg.HTTPPort = *fs.httpPort
	}

	if flags.Changed("http2_port") {
		cfg.HTTP2Port = *fs.http2Port
	}

	if flags.Changed("put_port") {
		cfg.PutPort = *fs.putPort
	}

	if flags.Changed("data") {
		cfg.DataDir = *fs.data
	}

	if flags.Changed("query_workers") {
		cfg.QueryWorkers = *fs.queryWorkers
	}

	if flags.Changed("db_workers") {
		cfg.DBWorkers = *fs.dbWorkers
	}

	if flags.Changed("queue_size") {
		cfg.QueueSize = *fs.queueSize
	}

	if flags.Changed("cache_size") {
		cfg.CacheSize = *fs.cacheSize
	}

	if flags.Changed("resolution") {
		cfg.Resolution = *fs.resolution
	}

	if flags.Changed("max_response_values") {
		cfg.MaxResponseValues = *fs.maxValues
	}

	if flags.Changed("log_level") {
		cfg.LogLevel = *fs.logLevel
	}
}

// Run is the process entry point, factored out of main so it can be
// exercised with fake args/env/signals in tests. Returns the process
// exit code.
func Run(errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	fs, ok, code := parseFlags(args, env, errOut)
	if !ok {
		return code
	}

	cfg := config.Default()

	if fs.configPath != "" {
		loaded, err := config.Load(fs.configPath)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}

		cfg = loaded
	}

	fs.applyOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	henlog.Init(cfg.LogLevel)

	return runDaemon(cfg, sigCh)
}

// runDaemon starts the storage server, the ingest listener, and the
// query HTTP server, and blocks until a signal requests shutdown or one
// of them fails to start.
func runDaemon(cfg config.Config, sigCh <-chan os.Signal) int {
	lock, err := datalock.Acquire(cfg.DataDir)
	if err != nil {
		henlog.Errorf("%v", err)
		return 1
	}

	defer func() {
		if err := lock.Release(); err != nil {
			henlog.Errorf("releasing data directory lock: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Config{
		Workers:    cfg.DBWorkers,
		QueueSize:  cfg.QueueSize,
		CacheSize:  cfg.CacheSize,
		Resolution: cfg.Resolution,
		DataDir:    cfg.DataDir,
	})

	serverDone := make(chan struct{})

	go func() {
		defer close(serverDone)
		srv.Run(ctx)
	}()

	putAddr := net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.PutPort))
	putListener := ingest.New(putAddr, srv)

	ingestErr := make(chan error, 1)

	go func() { ingestErr <- putListener.Run(ctx) }()

	handler := limitConcurrency(
		query.Handler(srv, query.Config{Resolution: cfg.Resolution, MaxResponseValues: cfg.MaxResponseValues}),
		cfg.QueryWorkers,
	)

	httpAddr := net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.HTTPPort))
	httpSrv := &http.Server{
		Addr:         httpAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// http2Port serves the identical handler on a second socket. Henhouse
	// does not negotiate cleartext HTTP/2 (h2c): Go's net/http upgrades to
	// HTTP/2 automatically over TLS, and a second plain listener is enough
	// to satisfy deployments that route the two ports to different
	// front-ends without pulling in a dedicated h2c dependency.
	http2Addr := net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.HTTP2Port))
	http2Srv := &http.Server{
		Addr:         http2Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	http2Err := make(chan error, 1)

	go func() {
		henlog.Infof("query: listening on %s (secondary)", http2Addr)

		if err := http2Srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			http2Err <- err
			return
		}

		http2Err <- nil
	}()

	httpErr := make(chan error, 1)

	go func() {
		henlog.Infof("query: listening on %s", httpAddr)

		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
			return
		}

		httpErr <- nil
	}()

	select {
	case err := <-ingestErr:
		if err != nil {
			henlog.Errorf("ingest listener failed: %v", err)
			cancel()

			return 1
		}
	case err := <-httpErr:
		if err != nil {
			henlog.Errorf("query server failed: %v", err)
			cancel()

			return 1
		}
	case err := <-http2Err:
		if err != nil {
			henlog.Errorf("secondary query server failed: %v", err)
			cancel()

			return 1
		}
	case sig := <-sigCh:
		henlog.Infof("received %v, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	_ = http2Srv.Shutdown(shutdownCtx)

	cancel()

	select {
	case <-serverDone:
	case <-time.After(shutdownTimeout):
		henlog.Warnf("storage workers did not shut down within %s", shutdownTimeout)
	}

	return 0
}

// limitConcurrency bounds the number of query requests handled at once
// to n, queuing the rest behind a buffered semaphore rather than letting
// an unbounded number of concurrent diff/summary walks pile up against
// the storage workers.
func limitConcurrency(h http.Handler, n int) http.Handler {
	if n < 1 {
		n = 1
	}

	sem := make(chan struct{}, n)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sem <- struct{}{}
		defer func() { <-sem }()

		h.ServeHTTP(w, r)
	})
}

// Package main provides henhouse, a single-node time-series counter
// store: a line-oriented ingest listener and an HTTP query API over
// memory-mapped, per-key timelines.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/henhouse/henhouse/internal/cli"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(cli.Run(os.Stderr, os.Args, env, sigCh))
}

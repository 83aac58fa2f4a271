// Package metrics exposes Henhouse's own operational counters, separate
// from the time-series data it stores for callers. It is the daemon's
// self-observability surface: how many puts/gets/diffs/summaries have
// been served and how many of each failed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric Henhouse exports. It is process-global,
// mirroring the corpus's own use of client_golang as a single shared
// collector rather than one registry per subsystem.
var Registry = prometheus.NewRegistry()

const namespace = "henhouse"

var (
	// OpsTotal counts server operations by kind and outcome ("ok" or
	// "error"), one series per (kind, result) pair.
	OpsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ops_total",
		Help:      "Total number of put/get/diff/summary operations handled, by outcome.",
	}, []string{"op", "result"})

	// QueueDepth reports each worker's current request-queue length.
	QueueDepth = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Number of requests currently queued for a storage worker.",
	}, []string{"worker"})
)

// Observe records the outcome of a single operation.
func Observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	OpsTotal.WithLabelValues(op, result).Inc()
}

// Handler serves the Prometheus text exposition format for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

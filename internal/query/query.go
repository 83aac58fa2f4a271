// Package query implements the HTTP read surface: /summary, /diff, and
// /values, rendering results as JSON (and, for /values, CSV or an {x,y}
// point series).
package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/henhouse/henhouse/internal/henlog"
	"github.com/henhouse/henhouse/internal/metrics"
	"github.com/henhouse/henhouse/internal/timeline"
)

// Store is the read surface query needs from the sharded server.
type Store interface {
	Summary(ctx context.Context, key string) (timeline.SummaryResult, error)
	Diff(ctx context.Context, key string, a, b uint64, indexStartOffset uint64) (timeline.DiffResult, error)
}

// Config configures the query HTTP handler.
type Config struct {
	Resolution        uint64
	MaxResponseValues int
}

const hardMaxPoints = 10000

// Handler builds the mux.Router serving the query endpoints.
func Handler(store Store, cfg Config) http.Handler {
	if cfg.MaxResponseValues <= 0 || cfg.MaxResponseValues > hardMaxPoints {
		cfg.MaxResponseValues = hardMaxPoints
	}

	h := &handler{store: store, cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/summary", h.summary).Methods(http.MethodGet)
	r.HandleFunc("/diff", h.diff).Methods(http.MethodGet)
	r.HandleFunc("/values", h.values).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	return handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		henlog.Debugf("%s %s (%d, %dms)", params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})
}

type handler struct {
	store Store
	cfg   Config
}

func splitKeys(r *http.Request) ([]string, error) {
	raw := r.URL.Query().Get("keys")
	if raw == "" {
		return nil, fmt.Errorf("missing required query parameter %q", "keys")
	}

	parts := strings.Split(raw, ",")

	keys := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty key in %q", "keys")
		}

		keys = append(keys, p)
	}

	return keys, nil
}

func parseUintParam(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing required query parameter %q", name)
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed query parameter %q: %w", name, err)
	}

	return v, nil
}

func badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

type summaryStats struct {
	From       uint64  `json:"from"`
	To         uint64  `json:"to"`
	Resolution uint64  `json:"resolution"`
	Sum        int64   `json:"sum"`
	Mean       float64 `json:"mean"`
	Variance   float64 `json:"variance"`
	Points     uint64  `json:"points"`
}

type summaryEntry struct {
	Key   string       `json:"key"`
	Stats summaryStats `json:"stats"`
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	keys, err := splitKeys(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	entries := make([]summaryEntry, 0, len(keys))

	for _, key := range keys {
		s, err := h.store.Summary(r.Context(), key)
		if err != nil {
			henlog.Errorf("query: summary %q: %v", key, err)
		}

		entries = append(entries, summaryEntry{
			Key: key,
			Stats: summaryStats{
				From:       s.From,
				To:         s.To,
				Resolution: s.Resolution,
				Sum:        s.Sum,
				Mean:       s.Mean,
				Variance:   s.Variance,
				Points:     s.Size,
			},
		})
	}

	writeJSON(w, entries)
}

type bucketView struct {
	Val int64 `json:"val"`
	Agg int64 `json:"agg"`
}

type diffStats struct {
	Sum        int64      `json:"sum"`
	Mean       float64    `json:"mean"`
	Variance   float64    `json:"variance"`
	Points     uint64     `json:"points"`
	Resolution uint64     `json:"resolution"`
	Left       bucketView `json:"left"`
	Right      bucketView `json:"right"`
}

type diffEntry struct {
	Key   string    `json:"key"`
	Stats diffStats `json:"stats"`
}

func (h *handler) diff(w http.ResponseWriter, r *http.Request) {
	keys, err := splitKeys(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	a, err := parseUintParam(r, "a")
	if err != nil {
		badRequest(w, err)
		return
	}

	b, err := parseUintParam(r, "b")
	if err != nil {
		badRequest(w, err)
		return
	}

	entries := make([]diffEntry, 0, len(keys))

	for _, key := range keys {
		d, err := h.store.Diff(r.Context(), key, a, b, 0)
		if err != nil {
			henlog.Errorf("query: diff %q: %v", key, err)
		}

		entries = append(entries, diffEntry{
			Key: key,
			Stats: diffStats{
				Sum:        d.Sum,
				Mean:       d.Mean,
				Variance:   d.Variance,
				Points:     d.Size,
				Resolution: d.Resolution,
				Left:       bucketView{Val: d.Left.Value, Agg: d.Left.Integral},
				Right:      bucketView{Val: d.Right.Value, Agg: d.Right.Integral},
			},
		})
	}

	writeJSON(w, entries)
}

// scalar selects which field of a DiffResult a /values walk reports.
type scalar int

const (
	scalarSum scalar = iota
	scalarMean
	scalarVar
	scalarAgg
)

func (s scalar) extract(d timeline.DiffResult) float64 {
	switch s {
	case scalarMean:
		return d.Mean
	case scalarVar:
		return d.Variance
	case scalarAgg:
		return float64(d.Right.Integral)
	default:
		return float64(d.Sum)
	}
}

func parseScalar(r *http.Request) scalar {
	q := r.URL.Query()

	switch {
	case q.Has("mean"):
		return scalarMean
	case q.Has("var"):
		return scalarVar
	case q.Has("agg"):
		return scalarAgg
	default:
		return scalarSum
	}
}

func (h *handler) values(w http.ResponseWriter, r *http.Request) {
	keys, err := splitKeys(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	a, err := parseUintParam(r, "a")
	if err != nil {
		badRequest(w, err)
		return
	}

	b, err := parseUintParam(r, "b")
	if err != nil {
		badRequest(w, err)
		return
	}

	step, err := parseUintParam(r, "step")
	if err != nil {
		badRequest(w, err)
		return
	}

	if step < 1 {
		badRequest(w, fmt.Errorf("step must be >= 1"))
		return
	}

	size, err := parseUintParam(r, "size")
	if err != nil {
		badRequest(w, err)
		return
	}

	if size < 1 {
		badRequest(w, fmt.Errorf("size must be >= 1"))
		return
	}

	if size < h.cfg.Resolution {
		badRequest(w, fmt.Errorf("size must be >= the timeline resolution (%d)", h.cfg.Resolution))
		return
	}

	if b < a {
		badRequest(w, fmt.Errorf("b must be >= a"))
		return
	}

	numPoints := (b-a)/step + 1
	if numPoints > uint64(h.cfg.MaxResponseValues) {
		badRequest(w, fmt.Errorf("query too large: %d points exceeds the maximum of %d", numPoints, h.cfg.MaxResponseValues))
		return
	}

	sel := parseScalar(r)

	type series = struct {
		key    string
		values []float64
		times  []uint64
	}

	result := make([]series, 0, len(keys))

	for _, key := range keys {
		s := series{key: key}

		for t := a; t <= b; t += step {
			var from uint64
			if t > size {
				from = t - size
			}

			d, err := h.store.Diff(r.Context(), key, from, t, 0)
			if err != nil {
				henlog.Errorf("query: values diff %q: %v", key, err)
			}

			s.values = append(s.values, sel.extract(d))
			s.times = append(s.times, t)
		}

		result = append(result, s)
	}

	switch {
	case r.URL.Query().Has("csv"):
		writeCSV(w, result)
	case r.URL.Query().Has("xy"):
		type point struct {
			X uint64  `json:"x"`
			Y float64 `json:"y"`
		}

		type xySeries struct {
			Key    string  `json:"key"`
			Points []point `json:"points"`
		}

		out := make([]xySeries, 0, len(result))

		for _, s := range result {
			points := make([]point, len(s.times))
			for i := range s.times {
				points[i] = point{X: s.times[i], Y: s.values[i]}
			}

			out = append(out, xySeries{Key: s.key, Points: points})
		}

		writeJSON(w, out)
	default:
		out := make(map[string][]float64, len(result))
		for _, s := range result {
			out[s.key] = s.values
		}

		writeJSON(w, out)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		henlog.Errorf("query: encoding response: %v", err)
	}
}

func writeCSV(w http.ResponseWriter, result []struct {
	key    string
	values []float64
	times  []uint64
}) {
	w.Header().Set("Content-Type", "text/csv")

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := make([]string, 0, len(result)+1)
	header = append(header, "t")

	for _, s := range result {
		header = append(header, s.key)
	}

	_ = cw.Write(header)

	if len(result) == 0 {
		return
	}

	for i := range result[0].times {
		row := make([]string, 0, len(result)+1)
		row = append(row, strconv.FormatUint(result[0].times[i], 10))

		for _, s := range result {
			row = append(row, strconv.FormatFloat(s.values[i], 'g', -1, 64))
		}

		_ = cw.Write(row)
	}
}

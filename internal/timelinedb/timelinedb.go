// Package timelinedb implements the per-worker LRU cache of open
// timelines: given a user key it produces a handle to that key's
// Timeline, opening it from disk on first use and evicting the
// least-recently-used handle once the cache reaches capacity.
//
// A DB is owned by exactly one worker goroutine (see internal/server) and
// is not safe for concurrent use; unlike the general-purpose LRU this is
// grounded on, it needs no internal locking because the sharded server
// guarantees a single in-flight operation per key at a time.
package timelinedb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/henhouse/henhouse/internal/henlog"
	"github.com/henhouse/henhouse/internal/timeline"
)

// maxPrefixChars is how many sanitized-key characters are folded into the
// nested directory prefix; the rest (if any) become one final component.
const maxPrefixChars = 32

const groupSize = 8

// SanitizeKey maps every byte outside [0-9A-Za-z] to '_'. The result is
// both the LRU key and the filesystem path root, so two distinct raw keys
// that sanitize to the same string are, intentionally, the same timeline.
//
// Callers that route requests by key (internal/server) must hash this
// sanitized form, not the raw key, so that two raw keys sanitizing to the
// same string are also routed to the same worker — otherwise two workers
// could each open their own DB over the same on-disk directory.
func SanitizeKey(key string) string {
	out := make([]byte, len(key))

	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			out[i] = c
		default:
			out[i] = '_'
		}
	}

	return string(out)
}

// keyDirs splits a sanitized key into up to four 8-character directory
// components covering its first 32 characters, plus a fifth component
// holding anything beyond that.
func keyDirs(sanitized string) []string {
	n := len(sanitized)

	head := n
	if head > maxPrefixChars {
		head = maxPrefixChars
	}

	var dirs []string

	for i := 0; i < head; i += groupSize {
		end := i + groupSize
		if end > head {
			end = head
		}

		dirs = append(dirs, sanitized[i:end])
	}

	if n > maxPrefixChars {
		dirs = append(dirs, sanitized[maxPrefixChars:])
	}

	if len(dirs) == 0 {
		// Empty key after sanitization: give it a directory anyway rather
		// than writing timeline files directly into baseDir.
		dirs = append(dirs, "_")
	}

	return dirs
}

type entry struct {
	key string
	tl  *timeline.Timeline

	prev, next *entry
}

// DB is a bounded LRU of open Timelines rooted at baseDir.
type DB struct {
	baseDir    string
	resolution uint64
	capacity   int

	entries    map[string]*entry
	head, tail *entry // head = most recently used
}

// New returns a DB rooted at baseDir with room for capacity open
// timelines. resolution is used only when a timeline is created for the
// first time; an existing timeline on disk keeps its own resolution.
func New(baseDir string, capacity int, resolution uint64) *DB {
	if capacity < 1 {
		capacity = 1
	}

	return &DB{
		baseDir:    baseDir,
		resolution: resolution,
		capacity:   capacity,
		entries:    make(map[string]*entry),
	}
}

// Close evicts every entry, closing its underlying files.
func (db *DB) Close() error {
	var firstErr error

	for db.head != nil {
		e := db.head
		db.unlink(e)
		delete(db.entries, e.key)

		if err := e.tl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// get returns the timeline for key, opening it if it is not already
// cached, and evicting the least-recently-used entry if the cache is at
// capacity.
func (db *DB) get(key string) (*timeline.Timeline, error) {
	sanitized := SanitizeKey(key)

	if e, ok := db.entries[sanitized]; ok {
		if e != db.head {
			db.unlink(e)
			db.insertFront(e)
		}

		return e.tl, nil
	}

	if len(db.entries) >= db.capacity && db.tail != nil {
		victim := db.tail
		db.unlink(victim)
		delete(db.entries, victim.key)

		if err := victim.tl.Close(); err != nil {
			henlog.Warnf("timelinedb: closing evicted timeline %q: %v", victim.key, err)
		}
	}

	dir := db.path(sanitized)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("timelinedb: create directory for key: %w", err)
	}

	tl, err := timeline.Open(dir, db.resolution)
	if err != nil {
		return nil, fmt.Errorf("timelinedb: open timeline for key: %w", err)
	}

	e := &entry{key: sanitized, tl: tl}
	db.entries[sanitized] = e
	db.insertFront(e)

	return tl, nil
}

func (db *DB) path(sanitized string) string {
	parts := append([]string{db.baseDir}, keyDirs(sanitized)...)
	return filepath.Join(parts...)
}

func (db *DB) insertFront(e *entry) {
	e.prev = nil
	e.next = db.head

	if db.head != nil {
		db.head.prev = e
	}

	db.head = e

	if db.tail == nil {
		db.tail = e
	}
}

func (db *DB) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		db.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		db.tail = e.prev
	}

	e.prev = nil
	e.next = nil
}

// Put appends c at time t for key. Returns false when the update was
// refused (see timeline.Put); returns an error only for I/O failures
// opening the timeline.
func (db *DB) Put(key string, t uint64, c int64) (bool, error) {
	tl, err := db.get(key)
	if err != nil {
		return false, err
	}

	return tl.Put(t, c), nil
}

// Get resolves the bucket covering time t for key.
func (db *DB) Get(key string, t uint64) (timeline.GetResult, error) {
	tl, err := db.get(key)
	if err != nil {
		return timeline.GetResult{}, err
	}

	return tl.Get(t, 0), nil
}

// Diff computes the range aggregate (a, b] for key.
func (db *DB) Diff(key string, a, b uint64, indexStartOffset uint64) (timeline.DiffResult, error) {
	tl, err := db.get(key)
	if err != nil {
		return timeline.DiffResult{}, err
	}

	return tl.Diff(a, b, indexStartOffset), nil
}

// Summary reports aggregate statistics over key's full span.
func (db *DB) Summary(key string) (timeline.SummaryResult, error) {
	tl, err := db.get(key)
	if err != nil {
		return timeline.SummaryResult{}, err
	}

	return tl.Summary(), nil
}

// KeyIndexSize returns the number of index entries for key.
func (db *DB) KeyIndexSize(key string) (uint64, error) {
	tl, err := db.get(key)
	if err != nil {
		return 0, err
	}

	return tl.IndexSize(), nil
}

// KeyDataSize returns the number of data buckets for key.
func (db *DB) KeyDataSize(key string) (uint64, error) {
	tl, err := db.get(key)
	if err != nil {
		return 0, err
	}

	return tl.DataSize(), nil
}

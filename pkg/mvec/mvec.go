// Package mvec implements a persistent, growable, memory-mapped typed
// array: a single file holding a fixed-size header followed by contiguous
// fixed-size records.
//
// The layout is `[ Header | record[0] | record[1] | ... | record[max-1] |
// unused ]`, little-endian, packed, bit-exact across runs on the same
// architecture. The header's logical record count (Header.GetSize) is the
// sole source of truth for how many of the allocated record slots are
// valid; everything past it is unused space reserved for future appends.
//
// Vector is not safe for concurrent use by multiple goroutines; callers
// must serialize access to a given Vector (the timeline layer does this by
// giving each timeline a single owning worker).
package mvec

import (
	"fmt"
	"os"
	"syscall"
)

// Header is the contract a header type must satisfy: exposing the record
// count that every Vector needs to manage growth and bounds, regardless of
// whatever other metadata (resolution, flags, ...) the header carries.
//
// SetSize returns the updated value rather than mutating the receiver, so
// plain value types (not pointer-receiver types) implement it - Vector
// stores H by value and reassigns it on every size change.
type Header[H any] interface {
	GetSize() uint64
	SetSize(uint64) H
}

// Codec encodes and decodes a fixed-size value to/from a byte slice of
// exactly Size bytes. Implementations must not allocate pointers into the
// slice passed to Decode; the slice is a view into the mmap and is only
// valid until the next call that might trigger a remap (PushBack).
type Codec[T any] struct {
	Size   int
	Encode func(T, []byte)
	Decode func([]byte) T
}

// DefaultInitialSize is used when Options.InitialSize is zero. It matches
// the common page size on the platforms this package targets (Linux,
// Darwin, both 4 KiB).
const DefaultInitialSize = 4096

// DefaultGrowthFactor is used when Options.GrowthFactor is zero.
const DefaultGrowthFactor = 1.5

// Options configures Open.
type Options[H Header[H], R any] struct {
	HeaderCodec Codec[H]
	RecordCodec Codec[R]

	// NewHeader is used to initialize a freshly created file. Its Size
	// field is forced to zero regardless of what the caller sets.
	NewHeader H

	// InitialSize is the file size (in bytes) a freshly created file is
	// truncated to, before any records are appended. Zero means
	// DefaultInitialSize.
	InitialSize int64

	// GrowthFactor is the multiplier applied to the current file size on
	// growth. Zero means DefaultGrowthFactor.
	GrowthFactor float64
}

// Vector is an open memory-mapped typed array.
type Vector[H Header[H], R any] struct {
	path string
	file *os.File
	data []byte // mmap'd file contents

	headerCodec Codec[H]
	recordCodec Codec[R]
	header      H // decoded copy of the on-disk header, kept in sync

	growthFactor float64
	max          uint64 // capacity in records given the current file size
}

// StorageOpenError wraps an I/O failure that occurred while opening or
// growing a Vector's backing file. Fatal for the timeline that owns it.
type StorageOpenError struct {
	Path  string
	Cause error
}

func (e *StorageOpenError) Error() string {
	return fmt.Sprintf("mvec: open %q: %v", e.Path, e.Cause)
}

func (e *StorageOpenError) Unwrap() error {
	return e.Cause
}

// Open opens an existing vector file or creates a new one at path.
//
// Opening a fresh file zero-initializes the header (size=0). Opening an
// existing file preserves its header and records verbatim.
func Open[H Header[H], R any](path string, opts Options[H, R]) (*Vector[H, R], error) {
	growthFactor := opts.GrowthFactor
	if growthFactor <= 0 {
		growthFactor = DefaultGrowthFactor
	}

	initialSize := opts.InitialSize
	if initialSize <= 0 {
		initialSize = DefaultInitialSize
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &StorageOpenError{Path: path, Cause: err}
	}

	v := &Vector[H, R]{
		path:         path,
		file:         file,
		headerCodec:  opts.HeaderCodec,
		recordCodec:  opts.RecordCodec,
		growthFactor: growthFactor,
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, &StorageOpenError{Path: path, Cause: err}
	}

	if info.Size() == 0 {
		header := opts.NewHeader.SetSize(0)

		if err := v.initEmpty(header, initialSize); err != nil {
			_ = file.Close()
			return nil, &StorageOpenError{Path: path, Cause: err}
		}
	} else {
		if err := v.mmapFile(info.Size()); err != nil {
			_ = file.Close()
			return nil, &StorageOpenError{Path: path, Cause: err}
		}
	}

	v.header = v.headerCodec.Decode(v.data[:v.headerCodec.Size])
	v.recomputeMax()

	return v, nil
}

func (v *Vector[H, R]) initEmpty(header H, initialSize int64) error {
	if err := v.file.Truncate(initialSize); err != nil {
		return err
	}

	if err := v.mmapFile(initialSize); err != nil {
		return err
	}

	buf := make([]byte, v.headerCodec.Size)
	v.headerCodec.Encode(header, buf)
	copy(v.data[:v.headerCodec.Size], buf)

	return nil
}

func (v *Vector[H, R]) mmapFile(size int64) error {
	data, err := syscall.Mmap(int(v.file.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	v.data = data

	return nil
}

func (v *Vector[H, R]) recomputeMax() {
	recordSpace := int64(len(v.data)) - int64(v.headerCodec.Size)
	if recordSpace < 0 {
		recordSpace = 0
	}

	v.max = uint64(recordSpace) / uint64(v.recordCodec.Size)
}

// Meta returns the current decoded header.
func (v *Vector[H, R]) Meta() H {
	return v.header
}

// Size returns the number of valid records.
func (v *Vector[H, R]) Size() uint64 {
	return v.header.GetSize()
}

// Empty reports whether the vector holds zero records.
func (v *Vector[H, R]) Empty() bool {
	return v.Size() == 0
}

func (v *Vector[H, R]) recordOffset(i uint64) int {
	return v.headerCodec.Size + int(i)*v.recordCodec.Size
}

// At returns the record at position i. Precondition: i < Size().
func (v *Vector[H, R]) At(i uint64) R {
	if i >= v.Size() {
		panic(fmt.Sprintf("mvec: index %d out of bounds (size %d)", i, v.Size()))
	}

	off := v.recordOffset(i)

	return v.recordCodec.Decode(v.data[off : off+v.recordCodec.Size])
}

// Set overwrites the record at position i. Precondition: i < Size().
func (v *Vector[H, R]) Set(i uint64, r R) {
	if i >= v.Size() {
		panic(fmt.Sprintf("mvec: index %d out of bounds (size %d)", i, v.Size()))
	}

	off := v.recordOffset(i)
	v.recordCodec.Encode(r, v.data[off:off+v.recordCodec.Size])
}

// Front returns the first record. Precondition: not Empty().
func (v *Vector[H, R]) Front() R {
	return v.At(0)
}

// Back returns the last record. Precondition: not Empty().
func (v *Vector[H, R]) Back() R {
	return v.At(v.Size() - 1)
}

// PushBack appends a record, growing the backing file if necessary. Growth
// re-derives every pointer from the new mapping base; no pointer into the
// old mapping survives past this call.
func (v *Vector[H, R]) PushBack(r R) error {
	if v.Size() == v.max {
		if err := v.grow(); err != nil {
			return err
		}
	}

	off := v.recordOffset(v.Size())
	v.recordCodec.Encode(r, v.data[off:off+v.recordCodec.Size])

	// Increment size only after the record is durably written to the
	// mapping, so a crash mid-append never makes a half-written record
	// visible as valid.
	v.header = v.header.SetSize(v.Size() + 1)
	v.writeHeader()

	return nil
}

// SetMeta rewrites the full header (other than Size, which callers manage
// via PushBack) and persists it immediately. The timeline index does not
// use it: it sets its resolution through Options.NewHeader at creation.
func (v *Vector[H, R]) SetMeta(h H) {
	v.header = h.SetSize(v.Size())
	v.writeHeader()
}

func (v *Vector[H, R]) writeHeader() {
	buf := make([]byte, v.headerCodec.Size)
	v.headerCodec.Encode(v.header, buf)
	copy(v.data[:v.headerCodec.Size], buf)
}

// grow resizes the backing file to
// max(file_size + record_size, file_size * growth_factor + record_size),
// remaps it, and recomputes capacity.
func (v *Vector[H, R]) grow() error {
	currentSize := int64(len(v.data))
	recordSize := int64(v.recordCodec.Size)

	byOne := currentSize + recordSize
	byFactor := int64(float64(currentSize)*v.growthFactor) + recordSize

	newSize := byOne
	if byFactor > newSize {
		newSize = byFactor
	}

	if err := syscall.Munmap(v.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	v.data = nil

	if err := v.file.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	if err := v.mmapFile(newSize); err != nil {
		return err
	}

	v.recomputeMax()

	return nil
}

// Close unmaps and closes the backing file. Safe to call once; the Vector
// must not be used afterwards.
func (v *Vector[H, R]) Close() error {
	var errs []error

	if v.data != nil {
		if err := syscall.Munmap(v.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		v.data = nil
	}

	if err := v.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("mvec: close %q: %v", v.path, errs)
	}

	return nil
}

// Path returns the filesystem path backing this vector.
func (v *Vector[H, R]) Path() string {
	return v.path
}

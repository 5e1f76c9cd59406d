// Package bitmap implements the fixed-size byte buffer that backs an HLL's
// register array, in the three storage modes described in spec §4.1:
// anonymous (process memory), shared (mmap'd file, OS-synchronised), and
// private (read once into memory, manually written back page by page).
//
// Bit addressing follows spec §4.1: bit i is bit 7-(i mod 8) of byte i/8
// (MSB-first within each byte). The HLL register packer in internal/hll
// relies on this convention directly when it reads/writes 6-bit cells that
// straddle byte boundaries.
package bitmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Mode selects a Bitmap's storage backing.
type Mode int

const (
	// Anonymous allocates in process memory; Flush is a no-op.
	Anonymous Mode = iota
	// Shared maps a file with MAP_SHARED; Flush asks the OS to sync the
	// mapping, then fsyncs the file handle.
	Shared
	// Private reads a file once into a private anonymous region and
	// tracks dirty 4096-byte pages for manual positional write-back.
	Private
)

func (m Mode) String() string {
	switch m {
	case Anonymous:
		return "in_memory"
	case Shared:
		return "mmap"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

// Typed failure modes, per spec §4.1.
var (
	ErrInvalidLength = errors.New("bitmap: invalid length")
	ErrBadFileHandle = errors.New("bitmap: bad file handle")
	ErrPathNotFound  = errors.New("bitmap: path not found")
	ErrIOError       = errors.New("bitmap: io error")
)

const pageSize = 4096

// Bitmap is a fixed-length byte buffer addressable as an array of bits.
//
// A Bitmap is not safe for concurrent Flush/Close calls racing each other;
// callers (internal/sketch) serialise those under the sketch's rwlock. Raw
// byte access via Bytes is safe for concurrent readers/writers that only
// touch disjoint registers; internal/hll additionally guards each register
// update with its own short-held mutex. The dirty-page bookkeeping below is
// a separate piece of shared state that MarkDirty and Flush touch from
// whichever goroutine happens to be adding or flushing at the time —
// internal/sketch only takes a read lock for both, so dirtyMu guards it
// directly rather than relying on a caller-side lock that doesn't exclude.
type Bitmap struct {
	mode   Mode
	length int
	data   []byte
	file   *os.File
	mapped bool // true if data is an mmap'd region that must be munmap'd

	dirtyMu    sync.Mutex
	dirty      []bool // per-page dirty flags, Private mode only
	anyDirty   bool
	flushedNew bool // OpenFromPath created the file rather than opening an existing one
}

// NewAnonymous allocates an in-memory Bitmap of length bytes.
func NewAnonymous(length int) (*Bitmap, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}

	return &Bitmap{mode: Anonymous, length: length, data: make([]byte, length)}, nil
}

// OpenFromFile wraps an already-open file descriptor as a file-backed
// Bitmap in Shared or Private mode. The Bitmap takes ownership of file and
// closes it on Close.
func OpenFromFile(file *os.File, length int, mode Mode) (*Bitmap, error) {
	if file == nil {
		return nil, ErrBadFileHandle
	}

	if length <= 0 {
		return nil, ErrInvalidLength
	}

	switch mode {
	case Shared:
		return openShared(file, length)
	case Private:
		return openPrivate(file, length)
	default:
		return nil, fmt.Errorf("%w: mode %v not file-backed", ErrInvalidLength, mode)
	}
}

// OpenFromPath opens (optionally creating) a file at path and wraps it as a
// file-backed Bitmap. When create is true and the file does not exist, it is
// truncated to length; when it exists, its length must already equal
// length. On any failure while creating a brand-new file, the file is
// unlinked so a partial artifact is never left behind.
func OpenFromPath(path string, length int, create bool, mode Mode) (*Bitmap, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}

	info, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if info.Size() != int64(length) {
			return nil, fmt.Errorf("%w: %q is %d bytes, want %d", ErrInvalidLength, path, info.Size(), length)
		}

		file, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open %q: %v", ErrIOError, path, err)
		}

		return OpenFromFile(file, length, mode)

	case os.IsNotExist(statErr):
		if !create {
			return nil, fmt.Errorf("%w: %q", ErrPathNotFound, path)
		}

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: create %q: %v", ErrIOError, path, err)
		}

		if err := file.Truncate(int64(length)); err != nil {
			_ = file.Close()
			_ = os.Remove(path)

			return nil, fmt.Errorf("%w: truncate %q: %v", ErrIOError, path, err)
		}

		bm, err := OpenFromFile(file, length, mode)
		if err != nil {
			_ = os.Remove(path)

			return nil, err
		}

		bm.flushedNew = true

		return bm, nil

	default:
		return nil, fmt.Errorf("%w: stat %q: %v", ErrIOError, path, statErr)
	}
}

func openShared(file *os.File, length int) (*Bitmap, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("%w: mmap shared: %v", ErrIOError, err)
	}

	return &Bitmap{mode: Shared, length: length, data: data, file: file, mapped: true}, nil
}

func openPrivate(file *os.File, length int) (*Bitmap, error) {
	data := make([]byte, length)

	if _, err := file.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		_ = file.Close()

		return nil, fmt.Errorf("%w: read %v", ErrIOError, err)
	}

	numPages := (length + pageSize - 1) / pageSize

	return &Bitmap{
		mode: Private, length: length, data: data, file: file,
		dirty: make([]bool, numPages),
	}, nil
}

// Bytes returns the raw backing buffer for direct bit-level access.
func (b *Bitmap) Bytes() []byte { return b.data }

// Len returns the Bitmap's length in bytes.
func (b *Bitmap) Len() int { return b.length }

// Mode reports the Bitmap's storage mode.
func (b *Bitmap) Mode() Mode { return b.mode }

// MarkDirty records that the byte at offset was modified. Only meaningful
// for Private mode; a no-op otherwise. internal/hll calls this from the
// short-held critical section that updates a register, concurrently with
// any number of other registers' updates and with a racing Flush, so the
// bookkeeping itself is guarded by dirtyMu rather than trusting the caller.
func (b *Bitmap) MarkDirty(offset int) {
	if b.mode != Private || offset < 0 || offset >= b.length {
		return
	}

	b.dirtyMu.Lock()
	b.dirty[offset/pageSize] = true
	b.anyDirty = true
	b.dirtyMu.Unlock()
}

// Flush synchronises in-memory changes to disk. Idempotent: calling Flush
// with nothing dirty is cheap and safe.
func (b *Bitmap) Flush() error {
	switch b.mode {
	case Anonymous:
		return nil

	case Shared:
		if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("%w: msync: %v", ErrIOError, err)
		}

		if err := b.file.Sync(); err != nil {
			return fmt.Errorf("%w: fsync: %v", ErrIOError, err)
		}

		return nil

	case Private:
		return b.flushPrivate()

	default:
		return nil
	}
}

// flushPrivate writes every dirty page back with a positional write, per
// spec §4.1. Design note §9 allows the simpler "flush every page on every
// flush" strategy as a portable fallback; we keep a dirty bitset instead
// since MarkDirty is already wired from the register-update path.
func (b *Bitmap) flushPrivate() error {
	b.dirtyMu.Lock()

	if !b.anyDirty {
		b.dirtyMu.Unlock()

		return nil
	}

	var pages []int

	for page, isDirty := range b.dirty {
		if !isDirty {
			continue
		}

		pages = append(pages, page)
		b.dirty[page] = false
	}

	b.anyDirty = false

	b.dirtyMu.Unlock()

	for _, page := range pages {
		start := page * pageSize
		end := start + pageSize

		if end > b.length {
			end = b.length
		}

		if _, err := b.file.WriteAt(b.data[start:end], int64(start)); err != nil {
			return fmt.Errorf("%w: pwrite page %d: %v", ErrIOError, page, err)
		}
	}

	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIOError, err)
	}

	return nil
}

// Close flushes then releases the mapping and file handle. Safe to call
// more than once.
func (b *Bitmap) Close() error {
	if b.data == nil {
		return nil
	}

	flushErr := b.Flush()

	if b.mapped {
		if err := unix.Munmap(b.data); err != nil && flushErr == nil {
			flushErr = fmt.Errorf("%w: munmap: %v", ErrIOError, err)
		}

		b.mapped = false
	}

	b.data = nil

	if b.file != nil {
		if err := b.file.Close(); err != nil && flushErr == nil {
			flushErr = fmt.Errorf("%w: close: %v", ErrIOError, err)
		}

		b.file = nil
	}

	return flushErr
}

// Package iobuf implements the byte-addressable Source/Target contract
// and the buffered, range-aware Reader/Writer that sit on top of
// it. The demuxer and muxer never touch a Source or
// Target directly; every byte they see has gone through a Reader or Writer.
package iobuf

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tetsuo/mediabunny/mberrors"
)

// Source is a read-only random-access byte stream. Implementations may be
// called concurrently with distinct, non-overlapping ranges.
type Source interface {
	// Size returns the total number of bytes available.
	Size(ctx context.Context) (int64, error)
	// ReadRange returns exactly end-start bytes, or fails with ReadFailed.
	ReadRange(ctx context.Context, start, end int64) ([]byte, error)
}

// Target is an append/patch byte sink.
type Target interface {
	// Write appends p at the current position and advances it.
	Write(ctx context.Context, p []byte) error
	// Seek moves the write position to an absolute offset, for patching
	// previously written headers. Seeking past the current end is undefined.
	Seek(ctx context.Context, absolute int64) error
	// Position reports the current write position.
	Position() int64
	// Flush makes buffered writes durable without finalizing.
	Flush(ctx context.Context) error
	// Finalize completes the target. Writes after Finalize are undefined.
	Finalize(ctx context.Context) error
	// Cancel abandons the target; any partial content must be assumed tainted.
	Cancel(ctx context.Context) error
}

// MemorySource is a Source backed by an in-memory byte slice.
type MemorySource struct {
	buf []byte
}

// NewMemorySource wraps buf as a Source. buf is not copied.
func NewMemorySource(buf []byte) *MemorySource {
	return &MemorySource{buf: buf}
}

func (m *MemorySource) Size(ctx context.Context) (int64, error) {
	return int64(len(m.buf)), nil
}

func (m *MemorySource) ReadRange(ctx context.Context, start, end int64) ([]byte, error) {
	if start < 0 || end < start || end > int64(len(m.buf)) {
		return nil, mberrors.New(mberrors.ReadFailed, "range [%d,%d) out of bounds (size %d)", start, end, len(m.buf))
	}
	out := make([]byte, end-start)
	copy(out, m.buf[start:end])
	return out, nil
}

// MemoryTarget is a Target backed by a growable in-memory byte slice.
type MemoryTarget struct {
	mu       sync.Mutex
	buf      []byte
	pos      int64
	finished bool
}

// NewMemoryTarget creates an empty in-memory Target.
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{}
}

func (m *MemoryTarget) Write(ctx context.Context, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return mberrors.New(mberrors.WriteFailed, "write after finalize")
	}
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return nil
}

func (m *MemoryTarget) Seek(ctx context.Context, absolute int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if absolute < 0 || absolute > int64(len(m.buf)) {
		return mberrors.New(mberrors.WriteFailed, "seek to %d out of bounds (len %d)", absolute, len(m.buf))
	}
	m.pos = absolute
	return nil
}

func (m *MemoryTarget) Position() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *MemoryTarget) Flush(ctx context.Context) error { return nil }

func (m *MemoryTarget) Finalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	return nil
}

func (m *MemoryTarget) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	m.buf = nil
	return nil
}

// Bytes returns the target's current contents. Safe to call after Finalize.
func (m *MemoryTarget) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// FileSource is a Source backed by an *os.File opened for reading.
type FileSource struct {
	f *os.File
}

// NewFileSource wraps an already-open file as a Source.
func NewFileSource(f *os.File) *FileSource { return &FileSource{f: f} }

func (fs *FileSource) Size(ctx context.Context) (int64, error) {
	info, err := fs.f.Stat()
	if err != nil {
		return 0, mberrors.Wrap(mberrors.ReadFailed, err, "stat")
	}
	return info.Size(), nil
}

func (fs *FileSource) ReadRange(ctx context.Context, start, end int64) ([]byte, error) {
	if end < start {
		return nil, mberrors.New(mberrors.ReadFailed, "invalid range [%d,%d)", start, end)
	}
	buf := make([]byte, end-start)
	if n, err := fs.f.ReadAt(buf, start); err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, mberrors.Wrap(mberrors.ReadFailed, err, "read range [%d,%d)", start, end)
	}
	return buf, nil
}

// FileTarget is a Target backed by an *os.File opened for writing.
type FileTarget struct {
	f   *os.File
	pos int64
}

// NewFileTarget wraps an already-open, writable file as a Target.
func NewFileTarget(f *os.File) *FileTarget { return &FileTarget{f: f} }

func (ft *FileTarget) Write(ctx context.Context, p []byte) error {
	n, err := ft.f.WriteAt(p, ft.pos)
	ft.pos += int64(n)
	if err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "write %d bytes at %d", len(p), ft.pos-int64(n))
	}
	return nil
}

func (ft *FileTarget) Seek(ctx context.Context, absolute int64) error {
	if absolute < 0 {
		return mberrors.New(mberrors.WriteFailed, "negative seek %d", absolute)
	}
	ft.pos = absolute
	return nil
}

func (ft *FileTarget) Position() int64 { return ft.pos }

func (ft *FileTarget) Flush(ctx context.Context) error {
	if err := ft.f.Sync(); err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "flush")
	}
	return nil
}

func (ft *FileTarget) Finalize(ctx context.Context) error {
	return ft.Flush(ctx)
}

func (ft *FileTarget) Cancel(ctx context.Context) error {
	return fmt.Errorf("cancel not supported for pre-opened file targets; truncate %s manually", ft.f.Name())
}

package iobuf

import (
	"context"
	"encoding/binary"

	"github.com/tetsuo/mediabunny/mberrors"
)

// Writer is the mirror of Reader over a Target: it tracks the write cursor
// and can seek back to patch a previously written header.
// Like Reader, it is owned exclusively by the muxer and is not thread-safe.
type Writer struct {
	target Target
	pos    int64 // logical position; equals target.Position() except mid-patch
}

// NewWriter wraps tgt.
func NewWriter(tgt Target) *Writer {
	return &Writer{target: tgt}
}

// Position returns the current logical write position.
func (w *Writer) Position() int64 { return w.pos }

func (w *Writer) Write(ctx context.Context, p []byte) error {
	if err := w.target.Seek(ctx, w.pos); err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "seek to %d before write", w.pos)
	}
	if err := w.target.Write(ctx, p); err != nil {
		return err
	}
	w.pos += int64(len(p))
	return nil
}

func (w *Writer) WriteU8(ctx context.Context, v uint8) error {
	return w.Write(ctx, []byte{v})
}

func (w *Writer) WriteU16(ctx context.Context, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return w.Write(ctx, b[:])
}

func (w *Writer) WriteU24(ctx context.Context, v uint32) error {
	b := []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	return w.Write(ctx, b)
}

func (w *Writer) WriteU32(ctx context.Context, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return w.Write(ctx, b[:])
}

func (w *Writer) WriteU64(ctx context.Context, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return w.Write(ctx, b[:])
}

func (w *Writer) WriteZeros(ctx context.Context, n int) error {
	return w.Write(ctx, make([]byte, n))
}

// PatchUint32At seeks back to a previously written offset, writes a 4-byte
// big-endian value, and restores the write cursor to its prior position.
// Used to patch a box's size field or an mdat placeholder after the fact.
func (w *Writer) PatchUint32At(ctx context.Context, offset int64, v uint32) error {
	saved := w.pos
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	if err := w.target.Seek(ctx, offset); err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "seek to patch offset %d", offset)
	}
	if err := w.target.Write(ctx, b[:]); err != nil {
		return err
	}
	if err := w.target.Seek(ctx, saved); err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "restore position after patch")
	}
	return nil
}

// PatchUint64At is the 64-bit counterpart of PatchUint32At.
func (w *Writer) PatchUint64At(ctx context.Context, offset int64, v uint64) error {
	saved := w.pos
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	if err := w.target.Seek(ctx, offset); err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "seek to patch offset %d", offset)
	}
	if err := w.target.Write(ctx, b[:]); err != nil {
		return err
	}
	if err := w.target.Seek(ctx, saved); err != nil {
		return mberrors.Wrap(mberrors.WriteFailed, err, "restore position after patch")
	}
	return nil
}

func (w *Writer) Flush(ctx context.Context) error    { return w.target.Flush(ctx) }
func (w *Writer) Finalize(ctx context.Context) error { return w.target.Finalize(ctx) }
func (w *Writer) Cancel(ctx context.Context) error   { return w.target.Cancel(ctx) }

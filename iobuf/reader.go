package iobuf

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"

	"github.com/tetsuo/mediabunny/mberrors"
)

// Default eviction budgets.
const (
	DefaultChunkBudget    = 64 << 20 // 64 MiB
	DefaultMetadataBudget = 16 << 20 // 16 MiB
)

// loadedRange is one coalesced, in-memory byte range.
type loadedRange struct {
	start, end int64 // [start, end)
	data       []byte
	lastUsed   uint64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithBudget sets the cache eviction budget in bytes.
func WithBudget(bytes int64) ReaderOption {
	return func(r *Reader) { r.budget = bytes }
}

// WithLogger injects a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) { r.log = logger }
}

// Reader is a buffered, range-aware view over a Source. It is not
// thread-safe: a single logical demuxer job holds it.
type Reader struct {
	src Source

	ranges  []*loadedRange // sorted by start, non-overlapping
	pinned  map[int64]int  // range start -> pin count
	clock   uint64
	budget  int64
	cached  int64
	log     *slog.Logger

	pos int64 // cursor set by callers before each sequence of reads
}

// NewReader creates a Reader over src with the given budget and options.
func NewReader(src Source, budget int64, opts ...ReaderOption) *Reader {
	r := &Reader{
		src:    src,
		budget: budget,
		pinned: make(map[int64]int),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Seek moves the read cursor. It does not by itself guarantee the bytes at
// the new position are loaded; call LoadRange first.
func (r *Reader) Seek(pos int64) { r.pos = pos }

// Pos returns the current cursor position.
func (r *Reader) Pos() int64 { return r.pos }

// LoadRange guarantees bytes in [start,end) are in memory. Overlapping or
// adjacent loaded ranges are coalesced into one.
func (r *Reader) LoadRange(ctx context.Context, start, end int64) error {
	if end <= start {
		return nil
	}

	// Find gaps not yet covered by any loaded range and fetch them.
	missing := r.missingSpans(start, end)
	for _, span := range missing {
		data, err := r.src.ReadRange(ctx, span[0], span[1])
		if err != nil {
			return mberrors.Wrap(mberrors.ReadFailed, err, "load range [%d,%d)", span[0], span[1])
		}
		r.insertRange(span[0], span[1], data)
	}

	r.touch(start, end)
	r.evictIfNeeded(start, end)
	return nil
}

// ForgetRange explicitly drops cached bytes in [start,end), used by the
// demuxer after a fragment has been fully consumed.
func (r *Reader) ForgetRange(start, end int64) {
	kept := r.ranges[:0]
	for _, rg := range r.ranges {
		if rg.end <= start || rg.start >= end {
			kept = append(kept, rg)
			continue
		}
		// Partial overlap: trim the surviving pieces rather than drop the
		// whole range, so callers that forget a fragment don't evict
		// unrelated bytes coalesced alongside it.
		if rg.start < start {
			kept = append(kept, &loadedRange{start: rg.start, end: start, data: rg.data[:start-rg.start], lastUsed: rg.lastUsed})
		}
		if rg.end > end {
			kept = append(kept, &loadedRange{start: end, end: rg.end, data: rg.data[end-rg.start:], lastUsed: rg.lastUsed})
		}
		r.cached -= rg.end - rg.start
	}
	r.ranges = kept
	r.reindex()
}

// Pin prevents the range covering [start,end) from being evicted until Unpin.
func (r *Reader) Pin(start, end int64) { r.pinned[start] = r.pinned[start] + 1; _ = end }

// Unpin releases a Pin.
func (r *Reader) Unpin(start, end int64) {
	if n := r.pinned[start]; n > 1 {
		r.pinned[start] = n - 1
	} else {
		delete(r.pinned, start)
	}
	_ = end
}

func (r *Reader) missingSpans(start, end int64) [][2]int64 {
	var spans [][2]int64
	cursor := start
	for _, rg := range r.ranges {
		if rg.end <= cursor {
			continue
		}
		if rg.start >= end {
			break
		}
		if rg.start > cursor {
			spans = append(spans, [2]int64{cursor, rg.start})
		}
		if rg.end > cursor {
			cursor = rg.end
		}
		if cursor >= end {
			break
		}
	}
	if cursor < end {
		spans = append(spans, [2]int64{cursor, end})
	}
	return spans
}

func (r *Reader) insertRange(start, end int64, data []byte) {
	nr := &loadedRange{start: start, end: end, data: data, lastUsed: r.clock}
	r.ranges = append(r.ranges, nr)
	sort.Slice(r.ranges, func(i, j int) bool { return r.ranges[i].start < r.ranges[j].start })
	r.coalesce()
	r.recount()
}

func (r *Reader) coalesce() {
	if len(r.ranges) < 2 {
		return
	}
	out := r.ranges[:1]
	for _, rg := range r.ranges[1:] {
		last := out[len(out)-1]
		if rg.start <= last.end {
			if rg.end > last.end {
				merged := make([]byte, rg.end-last.start)
				copy(merged, last.data)
				copy(merged[rg.start-last.start:], rg.data)
				last.data = merged
				last.end = rg.end
			}
			last.lastUsed = max64(last.lastUsed, rg.lastUsed)
			continue
		}
		out = append(out, rg)
	}
	r.ranges = out
}

func (r *Reader) recount() {
	var total int64
	for _, rg := range r.ranges {
		total += rg.end - rg.start
	}
	r.cached = total
}

func (r *Reader) reindex() { r.recount() }

func (r *Reader) touch(start, end int64) {
	r.clock++
	for _, rg := range r.ranges {
		if rg.start < end && rg.end > start {
			rg.lastUsed = r.clock
		}
	}
}

// evictIfNeeded drops least-recently-used ranges until the budget holds
// again, never touching pinned ranges or the one covering the caller's
// just-loaded [keepStart,keepEnd) span.
func (r *Reader) evictIfNeeded(keepStart, keepEnd int64) {
	if r.budget <= 0 || r.cached <= r.budget {
		return
	}
	candidates := append([]*loadedRange(nil), r.ranges...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed < candidates[j].lastUsed })
	for _, rg := range candidates {
		if r.cached <= r.budget {
			break
		}
		pinned := false
		for p := range r.pinned {
			if p >= rg.start && p < rg.end {
				pinned = true
				break
			}
		}
		if pinned {
			continue
		}
		if rg.start < keepEnd && rg.end > keepStart {
			continue
		}
		r.dropRange(rg)
		r.log.Debug("iobuf: evicted range", "start", rg.start, "end", rg.end)
	}
}

func (r *Reader) dropRange(victim *loadedRange) {
	kept := r.ranges[:0]
	for _, rg := range r.ranges {
		if rg == victim {
			continue
		}
		kept = append(kept, rg)
	}
	r.ranges = kept
	r.cached -= victim.end - victim.start
}

// findRange returns the loaded range covering position p, or nil.
func (r *Reader) findRange(p int64) *loadedRange {
	for _, rg := range r.ranges {
		if p >= rg.start && p < rg.end {
			return rg
		}
	}
	return nil
}

// byteAt asserts that n bytes starting at r.pos are loaded and returns a
// slice into the cache, advancing the cursor. Reads outside
// a loaded range signal an Internal error (a bug in the caller — correct
// code always calls LoadRange first).
func (r *Reader) byteAt(n int) ([]byte, error) {
	rg := r.findRange(r.pos)
	if rg == nil || r.pos+int64(n) > rg.end {
		return nil, mberrors.New(mberrors.Internal, "read of %d bytes at %d not in a loaded range", n, r.pos)
	}
	off := r.pos - rg.start
	out := rg.data[off : off+int64(n)]
	r.pos += int64(n)
	return out, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.byteAt(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.byteAt(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU24 reads a 24-bit big-endian unsigned integer (used by full-box flags fields).
func (r *Reader) ReadU24() (uint32, error) {
	b, err := r.byteAt(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.byteAt(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.byteAt(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadF64() (float64, error) {
	v, err := r.ReadU64()
	return math.Float64frombits(v), err
}

// ReadBytes reads n raw bytes. The returned slice aliases the cache and
// must not be mutated or retained past the next ForgetRange/eviction.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.byteAt(n)
}

// ReadASCII reads n bytes and returns them as a string, stopping early at a NUL byte.
func (r *Reader) ReadASCII(n int) (string, error) {
	b, err := r.byteAt(n)
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

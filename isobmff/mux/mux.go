// Package mux implements the ISOBMFF muxer: the four fastStart
// write strategies, the box builder used to emit moov/trak/stbl structures,
// and the fragmented-mode moof/mdat/mfra writer. It is the write-side mirror
// of package demux, sharing the box-type table and run-length encoders in
// package isobmff.
package mux

import (
	"context"
	"log/slog"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// FastStart selects the muxer's write strategy.
type FastStart int

const (
	// FastStartStreaming writes ftyp, opens mdat immediately, streams sample
	// bytes as they arrive, and patches mdat's size before appending moov at
	// the end. The default: only the current chunk's samples stay in memory.
	FastStartStreaming FastStart = iota
	// FastStartInMemory buffers every sample until Finalize, then writes
	// ftyp -> moov -> mdat with chunk offsets known up front.
	FastStartInMemory
	// FastStartReserve reserves an upper-bound gap for moov, writes mdat as
	// samples arrive, then fills the reserved gap and pads the remainder
	// with a free box.
	FastStartReserve
	// FastStartFragmented writes ftyp, an empty-sample-table moov, then
	// repeated moof+mdat fragments, followed by a trailing mfra.
	FastStartFragmented
)

// State is an Output's lifecycle stage.
type State int

const (
	StatePending State = iota
	StateStarted
	StateFinalized
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarted:
		return "started"
	case StateFinalized:
		return "finalized"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Option configures an Output.
type Option func(*Output)

// WithFastStart selects the write strategy. Default FastStartStreaming.
func WithFastStart(mode FastStart) Option {
	return func(o *Output) { o.fastStart = mode }
}

// WithReserveExpectedChunks sets the chunk-count estimate FastStartReserve
// uses to size its reserved moov gap.
func WithReserveExpectedChunks(n int) Option {
	return func(o *Output) { o.reserveExpectedChunks = n }
}

// WithLogger injects a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Output) { o.log = logger }
}

// WithMovieTimescale overrides the mvhd timescale.
func WithMovieTimescale(timescale uint32) Option {
	return func(o *Output) { o.movieTimescale = timescale }
}

// Output is a Target wrapped by the ISOBMFF container codec. It
// owns its Writer, its OutputTracks, and all muxing state.
type Output struct {
	writer *iobuf.Writer
	log    *slog.Logger

	fastStart             FastStart
	reserveExpectedChunks int
	movieTimescale        uint32
	family                codec.OutputFamily

	state       State
	tracks      []*OutputTrack
	nextTrackID uint32

	mdatHeaderOffset int64 // streaming/reserve: where the mdat box header starts
	mdatBodyStart    int64
	mdatLarge        bool

	reserveGapStart int64
	reserveGapSize  int64

	fragmentSeq uint32
}

// NewOutput wraps tgt as an ISOBMFF Output targeting the given container
// family (used to validate codecs added via AddTrack).
func NewOutput(target iobuf.Target, family codec.OutputFamily, opts ...Option) *Output {
	o := &Output{
		writer:         iobuf.NewWriter(target),
		log:            slog.Default(),
		movieTimescale: 1000,
		family:         family,
		nextTrackID:    1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddTrack registers a new OutputTrack of the given kind, codec, and
// timescale. Must be called before Start; tracks are immutable afterwards.
func (o *Output) AddTrack(kind packet.TrackKind, timescale uint32, cfg codec.Config) (*OutputTrack, error) {
	if o.state != StatePending {
		return nil, mberrors.New(mberrors.NotReady, "addTrack after start")
	}
	if !codec.Supports(o.family, kind, cfg.Codec) {
		return nil, mberrors.New(mberrors.Unsupported, "%s does not support %s codec %s", o.family, kind, cfg.Codec)
	}
	t := newOutputTrack(o, o.nextTrackID, kind, timescale, cfg)
	o.nextTrackID++
	o.tracks = append(o.tracks, t)
	return t, nil
}

// Tracks returns the registered OutputTracks in addition order.
func (o *Output) Tracks() []*OutputTrack { return o.tracks }

// Family reports the container family this Output targets, used by package
// convert to consult the codec compatibility matrix before AddTrack.
func (o *Output) Family() codec.OutputFamily { return o.family }

// State reports the Output's current lifecycle stage.
func (o *Output) State() State { return o.state }

// Start transitions the Output from pending to started, writing ftyp (and,
// for FastStartFragmented, the initial empty-sample-table moov).
func (o *Output) Start(ctx context.Context) error {
	if o.state != StatePending {
		return mberrors.New(mberrors.NotReady, "start called twice")
	}
	if len(o.tracks) == 0 {
		return mberrors.New(mberrors.NotReady, "output has no tracks")
	}
	o.state = StateStarted

	switch o.fastStart {
	case FastStartInMemory:
		// Nothing written until Finalize: ftyp/moov/mdat are emitted as one
		// contiguous sequence once every sample is known.
		return nil
	case FastStartReserve:
		return o.startReserve(ctx)
	case FastStartFragmented:
		return o.startFragmented(ctx)
	default:
		return o.startStreaming(ctx)
	}
}

func (o *Output) writeFtyp(ctx context.Context, fragmented bool) error {
	w := isobmff.NewBoxWriter()
	major := isobmff.BoxTypeFrom("isom")
	compat := []isobmff.BoxType{isobmff.BoxTypeFrom("mp41"), isobmff.BoxTypeFrom("avc1")}
	if fragmented {
		major = isobmff.BoxTypeFrom("iso5")
	}
	w.WriteFtyp(major, 0, compat)
	return o.writer.Write(ctx, w.Bytes())
}

func (o *Output) startStreaming(ctx context.Context) error {
	if err := o.writeFtyp(ctx, false); err != nil {
		return err
	}
	o.mdatHeaderOffset = o.writer.Position()
	// Placeholder 32-bit size header; patched at Finalize once the final
	// size (and therefore whether a largeSize header is needed) is known.
	if err := o.writer.WriteU32(ctx, 1); err != nil {
		return err
	}
	if err := o.writer.Write(ctx, []byte("mdat")); err != nil {
		return err
	}
	if err := o.writer.WriteU64(ctx, 0); err != nil { // largeSize slot, reserved
		return err
	}
	o.mdatBodyStart = o.writer.Position()
	return nil
}

func (o *Output) startReserve(ctx context.Context) error {
	if err := o.writeFtyp(ctx, false); err != nil {
		return err
	}
	o.reserveGapStart = o.writer.Position()
	o.reserveGapSize = estimateMoovSize(o.tracks, o.reserveExpectedChunks)
	if err := o.writer.WriteZeros(ctx, int(o.reserveGapSize)); err != nil {
		return err
	}
	o.mdatHeaderOffset = o.writer.Position()
	if err := o.writer.WriteU32(ctx, 0); err != nil {
		return err
	}
	if err := o.writer.Write(ctx, []byte("mdat")); err != nil {
		return err
	}
	o.mdatBodyStart = o.writer.Position()
	return nil
}

// AddPacket admits pkt onto an OutputTrack and, for FastStartStreaming and
// FastStartReserve, immediately writes any chunk the admission just
// sealed, so only the open chunk's samples stay in memory.
func (o *Output) AddPacket(ctx context.Context, t *OutputTrack, pkt packet.EncodedPacket) error {
	if o.fastStart == FastStartFragmented {
		return o.addFragmentedPacket(ctx, t, pkt)
	}
	if err := t.AddPacket(pkt); err != nil {
		return err
	}
	if o.fastStart == FastStartInMemory {
		return nil
	}
	return o.flushClosedChunks(ctx, t)
}

// flushClosedChunks writes any finalized-but-unwritten chunk's sample bytes
// to the target and records the resulting byte offset for the stco/co64
// table.
func (o *Output) flushClosedChunks(ctx context.Context, t *OutputTrack) error {
	for i := len(t.chunkOffsets); i < len(t.finalizedChunks); i++ {
		c := t.finalizedChunks[i]
		offset := o.writer.Position()
		for _, s := range c.Samples {
			if err := o.writer.Write(ctx, s.Data); err != nil {
				return err
			}
		}
		t.chunkOffsets = append(t.chunkOffsets, offset)
	}
	return nil
}

// Finalize drains every track's queue, closes any open chunk, and writes
// the layout specific to the Output's fastStart mode.
func (o *Output) Finalize(ctx context.Context) error {
	if o.state != StateStarted {
		return mberrors.New(mberrors.NotReady, "finalize before start or after finalize/cancel")
	}
	if o.fastStart == FastStartFragmented {
		return o.finalizeFragmented(ctx)
	}

	for _, t := range o.tracks {
		if err := t.flushPending(); err != nil {
			return err
		}
		if o.fastStart != FastStartInMemory {
			if err := o.flushClosedChunks(ctx, t); err != nil {
				return err
			}
		}
	}

	var err error
	switch o.fastStart {
	case FastStartInMemory:
		err = o.finalizeInMemory(ctx)
	case FastStartReserve:
		err = o.finalizeReserve(ctx)
	default:
		err = o.finalizeStreaming(ctx)
	}
	if err != nil {
		return err
	}
	o.state = StateFinalized
	return o.writer.Finalize(ctx)
}

func (o *Output) finalizeStreaming(ctx context.Context) error {
	mdatBodySize := o.writer.Position() - o.mdatBodyStart
	totalSize := mdatBodySize + (o.mdatBodyStart - o.mdatHeaderOffset)
	if totalSize > uint32Max {
		if err := o.writer.PatchUint32At(ctx, o.mdatHeaderOffset, 1); err != nil {
			return err
		}
		if err := o.writer.PatchUint64At(ctx, o.mdatHeaderOffset+8, uint64(totalSize)); err != nil {
			return err
		}
	} else {
		if err := o.writer.PatchUint32At(ctx, o.mdatHeaderOffset, uint32(totalSize)); err != nil {
			return err
		}
		// The unused largeSize slot stays inside mdat as 8 zero bytes
		// counted in totalSize; rewriteMdatHeaderCompact leaves it as is.
		if err := o.rewriteMdatHeaderCompact(ctx); err != nil {
			return err
		}
	}
	moov, err := buildMoov(o, false, nil)
	if err != nil {
		return err
	}
	return o.writer.Write(ctx, moov)
}

// rewriteMdatHeaderCompact is a no-op placeholder: the reserved 64-bit slot
// after a 32-bit-sized mdat header is legal padding (readers skip
// unknown trailing bytes only if they respect the box's declared size), so
// nothing needs rewriting. Kept as a named step to document the decision.
func (o *Output) rewriteMdatHeaderCompact(ctx context.Context) error { return nil }

func (o *Output) finalizeReserve(ctx context.Context) error {
	mdatBodySize := o.writer.Position() - o.mdatBodyStart
	if err := o.writer.PatchUint32At(ctx, o.mdatHeaderOffset, uint32(8+mdatBodySize)); err != nil {
		return err
	}
	moov, err := buildMoov(o, false, nil)
	if err != nil {
		return err
	}
	if int64(len(moov)) > o.reserveGapSize {
		o.log.Warn("mux: reserve gap too small for moov, refusing to overwrite mdat",
			"needed", len(moov), "reserved", o.reserveGapSize)
		return o.finalizeReserveOverflow(ctx, moov)
	}
	if err := o.writer.Write(ctx, moov); err != nil {
		return err
	}
	pad := o.reserveGapSize - int64(len(moov))
	return writeFreeBox(ctx, o.writer, pad)
}

// finalizeReserveOverflow refuses to corrupt the file with an undefined
// overwrite when the reserved gap turns out too small.
func (o *Output) finalizeReserveOverflow(ctx context.Context, moov []byte) error {
	return mberrors.New(mberrors.Internal, "reserve gap overflow fallback requires a Target that supports truncation/rewrite; re-run with FastStartInMemory")
}

func (o *Output) finalizeInMemory(ctx context.Context) error {
	// Iterate twice: compute moov assuming 32-bit offsets, see
	// whether any resulting chunk offset would need co64, and rebuild once
	// more if so — the second build's larger moov cannot itself overflow
	// into needing a 3rd pass because co64 entries do not vary in width.
	if err := o.writeFtyp(ctx, false); err != nil {
		return err
	}
	moov, useCo64, err := buildMoovWithOffsetWidthProbe(o)
	if err != nil {
		return err
	}
	if err := o.writer.Write(ctx, moov); err != nil {
		return err
	}
	o.mdatLarge = useCo64
	return o.writeInMemoryMdat(ctx)
}

func (o *Output) writeInMemoryMdat(ctx context.Context) error {
	var total int64
	for _, t := range o.tracks {
		for _, c := range t.finalizedChunks {
			for _, s := range c.Samples {
				total += int64(len(s.Data))
			}
		}
	}
	headerSize := int64(8)
	totalBoxSize := headerSize + total
	large := totalBoxSize > uint32Max
	if large {
		headerSize = 16
	}
	if large {
		if err := o.writer.WriteU32(ctx, 1); err != nil {
			return err
		}
		if err := o.writer.Write(ctx, []byte("mdat")); err != nil {
			return err
		}
		if err := o.writer.WriteU64(ctx, uint64(headerSize+total)); err != nil {
			return err
		}
	} else {
		if err := o.writer.WriteU32(ctx, uint32(headerSize+total)); err != nil {
			return err
		}
		if err := o.writer.Write(ctx, []byte("mdat")); err != nil {
			return err
		}
	}
	for _, t := range o.tracks {
		for _, c := range t.finalizedChunks {
			for _, s := range c.Samples {
				if err := o.writer.Write(ctx, s.Data); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Cancel abandons the Output: stops accepting writes
// and asks the Target to cancel. Safe to call more than once.
func (o *Output) Cancel(ctx context.Context) error {
	if o.state == StateCancelled || o.state == StateFinalized {
		return nil
	}
	o.state = StateCancelled
	return o.writer.Cancel(ctx)
}

func writeFreeBox(ctx context.Context, w *iobuf.Writer, size int64) error {
	if size < 8 {
		return w.WriteZeros(ctx, int(size))
	}
	if err := w.WriteU32(ctx, uint32(size)); err != nil {
		return err
	}
	if err := w.Write(ctx, []byte("free")); err != nil {
		return err
	}
	return w.WriteZeros(ctx, int(size-8))
}

const uint32Max = 1<<32 - 1

// estimateMoovSize is the FastStartReserve upper-bound estimate; exceeding
// it at Finalize is reported instead of overwriting the mdat that follows
// the gap. 512 bytes of fixed overhead, plus 1024 bytes per track and 16
// bytes per expected chunk per track (256 chunks when expectedChunks is not
// positive), covers typical single-chunk-per-second layouts with headroom.
func estimateMoovSize(tracks []*OutputTrack, expectedChunks int) int64 {
	if expectedChunks <= 0 {
		expectedChunks = 256
	}
	var total int64 = 512
	for range tracks {
		total += 1024 + int64(expectedChunks)*16
	}
	return total
}

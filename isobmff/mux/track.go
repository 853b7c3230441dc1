package mux

import (
	"sort"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// defaultChunkDurationUs is the non-fragmented chunk-close threshold:
// a chunk seals once it spans half a second.
const defaultChunkDurationUs = 500_000

// defaultFragmentDurationUs is the fragmented-mode close threshold, a
// hardcoded heuristic deliberately not exposed as an override.
const defaultFragmentDurationUs = 1_000_000

// OutputTrack is one stream being written. Added before Start and immutable
// afterwards except for the muxing state that addPacket accumulates.
type OutputTrack struct {
	ID        uint32
	Kind      packet.TrackKind
	Timescale uint32
	Codec     codec.Config

	Language string // ISO-639-2/T, empty means "und"
	Rotation int     // degrees, one of 0/90/180/270
	Matrix   *[36]byte // explicit matrix overrides Rotation when non-nil

	out *Output

	haveFirst       bool
	firstTimestampUs int64
	haveKey         bool
	lastKeyTimestampUs int64

	// timestampProcessingQueue: packets whose
	// decode timestamp is not yet final, held until the next key sample.
	pending []pendingSample

	currentChunk    *packet.Chunk
	finalizedChunks []*packet.Chunk

	sttsRuns []isobmff.SttsEntry
	cttsRuns []isobmff.CttsEntry
	stscRuns []isobmff.StscEntry

	sampleSizes      []uint32
	keySampleIndices []uint32 // 1-based

	chunkOffsets []int64 // filled as chunks are written

	lastDecodeTick int64
	haveLastDecode bool
	numSamples     int
	lastChunkCount int

	tfraEntries []isobmff.TfraEntry // fragmented mode only

	// fragmented mode: samples queued for the currently-open fragment.
	fragPending  []packet.Sample
	fragKeySeen  bool
}

type pendingSample struct {
	pkt             packet.EncodedPacket
	presentationTick int64
}

func newOutputTrack(out *Output, id uint32, kind packet.TrackKind, timescale uint32, cfg codec.Config) *OutputTrack {
	return &OutputTrack{
		ID:        id,
		Kind:      kind,
		Timescale: timescale,
		Codec:     cfg,
		out:       out,
	}
}

// ticks converts a microsecond value to this track's timescale ticks.
func (t *OutputTrack) ticks(us int64) int64 {
	return us * int64(t.Timescale) / 1_000_000
}

// AddPacket admits pkt onto the track.
func (t *OutputTrack) AddPacket(pkt packet.EncodedPacket) error {
	if t.out.state != StateStarted {
		return mberrors.New(mberrors.NotReady, "addPacket before start or after finalize")
	}
	if pkt.TimestampUs < 0 {
		return mberrors.New(mberrors.Malformed, "packet timestamp %d is negative", pkt.TimestampUs)
	}
	if t.haveKey && pkt.TimestampUs < t.lastKeyTimestampUs {
		return mberrors.New(mberrors.Malformed,
			"packet timestamp %d precedes last key timestamp %d", pkt.TimestampUs, t.lastKeyTimestampUs)
	}
	if !t.haveFirst {
		t.haveFirst = true
		t.firstTimestampUs = pkt.TimestampUs
	}

	if t.Codec.Codec == codec.AV1 && len(t.Codec.Description) == 0 && pkt.IsKey() {
		if seqHeader, err := isobmff.AV1SequenceHeader(pkt.Data); err == nil && seqHeader != nil {
			t.Codec.Description = seqHeader
		}
	}

	relativeUs := pkt.TimestampUs - t.firstTimestampUs
	t.pending = append(t.pending, pendingSample{pkt: pkt, presentationTick: t.ticks(relativeUs)})

	if pkt.IsKey() {
		t.haveKey = true
		t.lastKeyTimestampUs = pkt.TimestampUs
		if err := t.drainQueue(); err != nil {
			return err
		}
	}
	return nil
}

// drainQueue processes timestampProcessingQueue on key-sample arrival:
// sort presentation ticks ascending, zip back against samples in original
// order to recover each sample's decode timestamp, then extend the compact
// stts/ctts run tables and push samples into chunks.
func (t *OutputTrack) drainQueue() error {
	if len(t.pending) == 0 {
		return nil
	}
	sorted := make([]int64, len(t.pending))
	for i, p := range t.pending {
		sorted[i] = p.presentationTick
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i, p := range t.pending {
		decodeTick := sorted[i]
		if err := t.emit(p.pkt, decodeTick, p.presentationTick); err != nil {
			return err
		}
	}
	t.pending = t.pending[:0]
	return nil
}

// emit finalizes one sample's position in the compact tables and admits it
// into the currently open (or a freshly opened) chunk.
func (t *OutputTrack) emit(pkt packet.EncodedPacket, decodeTick, presentationTick int64) error {
	if t.haveLastDecode {
		delta := decodeTick - t.lastDecodeTick
		t.extendStts(delta)
		if prev := t.previousSample(); prev != nil {
			prev.TicksToNext = delta
		}
	}
	t.lastDecodeTick = decodeTick
	t.haveLastDecode = true

	t.extendCtts(int32(presentationTick - decodeTick))

	if pkt.IsKey() {
		t.keySampleIndices = append(t.keySampleIndices, uint32(t.numSamples+1))
	}
	t.sampleSizes = append(t.sampleSizes, uint32(len(pkt.Data)))

	sample := packet.Sample{EncodedPacket: pkt, DecodeTimestamp: decodeTick}
	if t.currentChunk == nil {
		t.currentChunk = &packet.Chunk{StartTimestampUs: pkt.TimestampUs}
	}
	t.currentChunk.Samples = append(t.currentChunk.Samples, sample)
	t.numSamples++

	if t.shouldCloseChunk() {
		return t.closeChunk()
	}
	return nil
}

// previousSample returns a pointer to the last-admitted sample, whether it
// landed in the still-open current chunk or the most recently closed one.
func (t *OutputTrack) previousSample() *packet.Sample {
	if t.currentChunk != nil && len(t.currentChunk.Samples) > 0 {
		return &t.currentChunk.Samples[len(t.currentChunk.Samples)-1]
	}
	if n := len(t.finalizedChunks); n > 0 {
		last := t.finalizedChunks[n-1]
		if len(last.Samples) > 0 {
			return &last.Samples[len(last.Samples)-1]
		}
	}
	return nil
}

// shouldCloseChunk applies the non-fragmented chunk duration threshold.
func (t *OutputTrack) shouldCloseChunk() bool {
	if t.currentChunk == nil {
		return false
	}
	return t.currentChunk.DurationUs() >= defaultChunkDurationUs
}

func (t *OutputTrack) extendStts(delta int64) {
	if n := len(t.sttsRuns); n > 0 && int64(t.sttsRuns[n-1].Duration) == delta {
		t.sttsRuns[n-1].Count++
		return
	}
	t.sttsRuns = append(t.sttsRuns, isobmff.SttsEntry{Count: 1, Duration: uint32(delta)})
}

func (t *OutputTrack) extendCtts(offset int32) {
	if n := len(t.cttsRuns); n > 0 && t.cttsRuns[n-1].Offset == offset {
		t.cttsRuns[n-1].Count++
		return
	}
	t.cttsRuns = append(t.cttsRuns, isobmff.CttsEntry{Count: 1, Offset: offset})
}

// closeChunk seals the current chunk, appending it to finalizedChunks and
// extending the stsc run table only when the sample count differs from the
// previous chunk's.
func (t *OutputTrack) closeChunk() error {
	if t.currentChunk == nil {
		return nil
	}
	n := len(t.currentChunk.Samples)
	if n != t.lastChunkCount {
		t.stscRuns = append(t.stscRuns, isobmff.StscEntry{
			FirstChunk:          uint32(len(t.finalizedChunks) + 1),
			SamplesPerChunk:     uint32(n),
			SampleDescriptionId: 1,
		})
		t.lastChunkCount = n
	}
	t.finalizedChunks = append(t.finalizedChunks, t.currentChunk)
	t.currentChunk = nil
	return nil
}

// firstCompositionOffset returns the first sample's pts-dts delta in
// timescale ticks. A positive value means presentation starts later than
// decode zero, the initial skip an edit list covers.
func (t *OutputTrack) firstCompositionOffset() int32 {
	if len(t.cttsRuns) == 0 {
		return 0
	}
	return t.cttsRuns[0].Offset
}

// hasCompositionOffsets reports whether any ctts run carries a nonzero
// offset, controlling whether the muxer emits a ctts box at all.
func (t *OutputTrack) hasCompositionOffsets() bool {
	for _, e := range t.cttsRuns {
		if e.Offset != 0 {
			return true
		}
	}
	return false
}

// flushPending closes out any open chunk and drains a queue that never saw
// a trailing key sample (the finalize-time drain).
func (t *OutputTrack) flushPending() error {
	if len(t.pending) > 0 {
		if err := t.drainQueue(); err != nil {
			return err
		}
	}
	// The run tables hold one delta per sample pair; the final sample still
	// needs its own duration entry so stts counts line up with stsz.
	if t.numSamples > 0 {
		last := t.previousSample()
		dur := t.ticks(last.DurationUs)
		if dur == 0 && len(t.sttsRuns) > 0 {
			dur = int64(t.sttsRuns[len(t.sttsRuns)-1].Duration)
		}
		last.TicksToNext = dur
		t.extendStts(dur)
	}
	return t.closeChunk()
}

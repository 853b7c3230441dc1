package mux

import (
	"context"
	"sort"

	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// startFragmented writes ftyp (major brand iso5) followed by an initial moov
// whose sample tables are empty and whose mvex/trex boxes carry zero
// defaults; each fragment's trun supplies every sample's duration, size and
// flags.
func (o *Output) startFragmented(ctx context.Context) error {
	if err := o.writeFtyp(ctx, true); err != nil {
		return err
	}
	moov, err := buildFragmentedInitMoov(o)
	if err != nil {
		return err
	}
	return o.writer.Write(ctx, moov)
}

func buildFragmentedInitMoov(o *Output) ([]byte, error) {
	w := isobmff.NewBoxWriter()
	w.StartBox(isobmff.TypeMoov)
	w.WriteMvhd(o.movieTimescale, 0, o.nextTrackID)
	for _, t := range o.tracks {
		if err := writeFragmentedTrak(w, t); err != nil {
			return nil, err
		}
	}
	w.StartBox(isobmff.TypeMvex)
	for _, t := range o.tracks {
		w.WriteTrex(t.ID, 1, 0, 0, 0)
	}
	w.EndBox() // mvex
	w.EndBox() // moov
	return w.Bytes(), nil
}

// writeFragmentedTrak mirrors writeTrak but with empty sample tables: sample
// geometry for fragmented mode lives entirely in each fragment's traf.
func writeFragmentedTrak(w *isobmff.BoxWriter, t *OutputTrack) error {
	w.StartBox(isobmff.TypeTrak)

	volume := uint16(0)
	if t.Kind == packet.Audio {
		volume = 0x0100
	}
	matrix := isobmff.IdentityMatrix(t.Rotation)
	if t.Matrix != nil {
		matrix = *t.Matrix
	}
	w.WriteTkhd(0x7, t.ID, 0, uint32(t.Codec.Width)<<16, uint32(t.Codec.Height)<<16, volume, matrix)

	w.StartBox(isobmff.TypeMdia)
	w.WriteMdhd(t.Timescale, 0, languageCode(t.Language))
	w.WriteHdlr(handlerType(t.Kind), handlerName(t.Kind))

	w.StartBox(isobmff.TypeMinf)
	switch t.Kind {
	case packet.Video:
		w.WriteVmhd()
	case packet.Audio:
		w.WriteSmhd()
	default:
		w.WriteNmhd()
	}
	w.StartBox(isobmff.TypeDinf)
	w.WriteDref()
	w.EndBox()

	w.StartBox(isobmff.TypeStbl)
	w.StartFullBox(isobmff.TypeStsd, 0, 0)
	w.WriteUint32(1)
	if err := writeSampleEntry(w, t); err != nil {
		return err
	}
	w.EndBox() // stsd
	w.WriteStts(nil)
	w.WriteStsc(nil)
	w.WriteStsz(0, nil)
	w.WriteStco(nil)
	w.EndBox() // stbl
	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak
	return nil
}

// addFragmentedPacket admits pkt the same way the non-fragmented path does
// (queue until a key sample resolves decode order), but
// drains into the track's per-fragment buffer instead of a chunk. A key
// sample's arrival is checked against the close threshold using the state
// that stood before the key, so a fragment never closes with the sample
// that should open the next one trailing inside it.
func (o *Output) addFragmentedPacket(ctx context.Context, t *OutputTrack, pkt packet.EncodedPacket) error {
	if o.state != StateStarted {
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

	if pkt.IsKey() {
		// Settle the fragment this track is currently holding before the
		// incoming key is merged in: maybeCloseFragment only ever sees
		// fragPending as it stood at the end of the previous call, so if it
		// closes here the key is still untouched and lands in a fresh
		// fragPending afterward.
		if err := o.maybeCloseFragment(ctx); err != nil {
			return err
		}
	}

	relativeUs := pkt.TimestampUs - t.firstTimestampUs
	t.pending = append(t.pending, pendingSample{pkt: pkt, presentationTick: t.ticks(relativeUs)})

	if !pkt.IsKey() {
		return nil
	}
	t.haveKey = true
	t.lastKeyTimestampUs = pkt.TimestampUs
	if err := t.drainFragmentQueue(); err != nil {
		return err
	}
	t.fragKeySeen = true
	return nil
}

// drainFragmentQueue is drainQueue's fragmented-mode counterpart: it recovers
// decode order the same way, but appends resolved samples to fragPending
// (no stts/ctts run tables or chunk bookkeeping — those live in the trun
// written when the fragment closes).
func (t *OutputTrack) drainFragmentQueue() error {
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
		if t.haveLastDecode {
			if n := len(t.fragPending); n > 0 {
				t.fragPending[n-1].TicksToNext = decodeTick - t.lastDecodeTick
			}
		}
		t.lastDecodeTick = decodeTick
		t.haveLastDecode = true
		t.fragPending = append(t.fragPending, packet.Sample{
			EncodedPacket:   p.pkt,
			DecodeTimestamp: decodeTick,
		})
	}
	t.pending = t.pending[:0]
	return nil
}

func (t *OutputTrack) fragmentElapsedUs() int64 {
	if len(t.fragPending) == 0 {
		return 0
	}
	first := t.fragPending[0]
	last := t.fragPending[len(t.fragPending)-1]
	return last.TimestampUs - first.TimestampUs
}

// maybeCloseFragment decides when a fragment seals: a
// fragment closes once every track has both seen a key sample since the
// fragment opened and accumulated at least defaultFragmentDurationUs of
// buffered samples. Callers that are about to merge a newly arrived key
// sample into fragPending must call this first, while fragPending still
// reflects the state before that key — otherwise the key would be swept
// into the closing fragment instead of opening the next one, keeping the
// invariant that every track's first sample in a fragment is a key sample.
func (o *Output) maybeCloseFragment(ctx context.Context) error {
	for _, t := range o.tracks {
		if !t.fragKeySeen || len(t.fragPending) == 0 {
			return nil
		}
		if t.fragmentElapsedUs() < defaultFragmentDurationUs {
			return nil
		}
	}
	return o.writeFragment(ctx)
}

// writeFragment serializes one moof+mdat pair for every track currently
// holding buffered samples, recording a tfra entry per track for the
// trailing random-access index.
func (o *Output) writeFragment(ctx context.Context) error {
	active := make([]*OutputTrack, 0, len(o.tracks))
	for _, t := range o.tracks {
		if len(t.fragPending) > 0 {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}
	o.fragmentSeq++
	seq := o.fragmentSeq

	// Two-pass offset resolution (same trick as buildMoovWithOffsetWidthProbe):
	// a moof's size never changes between the placeholder and final pass
	// because trun's data_offset field is a fixed-width int32, so one
	// measuring pass is enough to compute every track's real data offset.
	placeholder, err := buildMoof(active, seq, nil)
	if err != nil {
		return err
	}
	const mdatHeaderSize = int64(8)
	cursor := int32(int64(len(placeholder)) + mdatHeaderSize)
	dataOffsets := make(map[uint32]int32, len(active))
	for _, t := range active {
		dataOffsets[t.ID] = cursor
		for _, s := range t.fragPending {
			cursor += int32(len(s.Data))
		}
	}

	moof, err := buildMoof(active, seq, dataOffsets)
	if err != nil {
		return err
	}
	moofOffset := o.writer.Position()
	if err := o.writer.Write(ctx, moof); err != nil {
		return err
	}

	var totalData int64
	for _, t := range active {
		for _, s := range t.fragPending {
			totalData += int64(len(s.Data))
		}
	}
	if err := o.writer.WriteU32(ctx, uint32(mdatHeaderSize+totalData)); err != nil {
		return err
	}
	if err := o.writer.Write(ctx, []byte("mdat")); err != nil {
		return err
	}

	for idx, t := range active {
		for i, s := range t.fragPending {
			if i == 0 {
				t.tfraEntries = append(t.tfraEntries, isobmff.TfraEntry{
					Time:         uint64(s.DecodeTimestamp),
					MoofOffset:   uint64(moofOffset),
					TrafNumber:   uint32(idx + 1),
					TrunNumber:   1,
					SampleNumber: 1,
				})
			}
			if err := o.writer.Write(ctx, s.Data); err != nil {
				return err
			}
		}
		t.fragPending = t.fragPending[:0]
		t.fragKeySeen = false
	}
	return nil
}

// buildMoof serializes one moof box for tracks, each contributing one traf.
// When dataOffsets is nil every trun's data_offset field is written as 0 (a
// measuring pass); the caller re-derives the real offsets from the
// resulting size and rebuilds once more.
func buildMoof(tracks []*OutputTrack, seq uint32, dataOffsets map[uint32]int32) ([]byte, error) {
	w := isobmff.NewBoxWriter()
	w.StartBox(isobmff.TypeMoof)
	w.WriteMfhd(seq)

	for _, t := range tracks {
		w.StartBox(isobmff.TypeTraf)
		w.WriteTfhd(uint32(isobmff.TfhdDefaultBaseIsMoof), t.ID)
		w.WriteTfdt(uint64(t.fragPending[0].DecodeTimestamp))

		entries := make([]isobmff.TrunEntry, len(t.fragPending))
		hasCts := false
		for i, s := range t.fragPending {
			presentationTick := t.ticks(s.TimestampUs - t.firstTimestampUs)
			cts := int32(presentationTick - s.DecodeTimestamp)
			if cts != 0 {
				hasCts = true
			}
			duration := s.TicksToNext
			if duration == 0 && i == len(t.fragPending)-1 && i > 0 {
				duration = t.fragPending[i-1].TicksToNext
			}
			sampleFlags := uint32(0)
			if !s.IsKey() {
				sampleFlags |= isobmff.SampleFlagsSyncBit
			}
			entries[i] = isobmff.TrunEntry{
				Duration:              uint32(duration),
				Size:                  uint32(len(s.Data)),
				Flags:                 sampleFlags,
				CompositionTimeOffset: cts,
			}
		}

		trunFlags := uint32(isobmff.TrunDataOffsetPresent | isobmff.TrunSampleDurationPresent |
			isobmff.TrunSampleSizePresent | isobmff.TrunSampleFlagsPresent)
		if hasCts {
			trunFlags |= isobmff.TrunSampleCompositionTimeOffsetPresent
		}
		var dataOffset int32
		if dataOffsets != nil {
			dataOffset = dataOffsets[t.ID]
		}
		w.WriteTrun(trunFlags, dataOffset, entries)
		w.EndBox() // traf
	}
	w.EndBox() // moof
	return w.Bytes(), nil
}

// finalizeFragmented drains every track's remaining pending queue, writes a
// closing fragment for whatever is left buffered regardless of the duration
// threshold, then appends the trailing mfra/mfro random-access index.
func (o *Output) finalizeFragmented(ctx context.Context) error {
	for _, t := range o.tracks {
		if err := t.drainFragmentQueue(); err != nil {
			return err
		}
	}
	if err := o.writeFragment(ctx); err != nil {
		return err
	}
	if err := o.writeFragmentTrailer(ctx); err != nil {
		return err
	}
	o.state = StateFinalized
	return o.writer.Finalize(ctx)
}

// writeFragmentTrailer emits mfra (one tfra per track that saw a random
// access point) followed by mfro, whose size field self-references the
// whole mfra box per ISO/IEC 14496-12.
func (o *Output) writeFragmentTrailer(ctx context.Context) error {
	w := isobmff.NewBoxWriter()
	w.StartBox(isobmff.TypeMfra)
	for _, t := range o.tracks {
		if len(t.tfraEntries) == 0 {
			continue
		}
		w.WriteTfra(t.ID, t.tfraEntries)
	}
	mfraSizeSoFar := uint32(len(w.Bytes()))
	w.WriteMfro(mfraSizeSoFar + 16)
	w.EndBox() // mfra
	return o.writer.Write(ctx, w.Bytes())
}

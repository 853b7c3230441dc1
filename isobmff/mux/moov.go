package mux

import (
	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/packet"
)

// buildMoov serializes a complete moov box for the non-fragmented layouts
//. When offsets is nil each
// track's own chunkOffsets (already real file offsets, populated as chunks
// were flushed to the Target) are used; otherwise the caller supplies
// offsets predicted ahead of the actual write (the in-memory layout's
// "compute mdat size before moov is written" requirement).
func buildMoov(o *Output, useCo64 bool, offsets map[uint32][]int64) ([]byte, error) {
	if offsets == nil && !useCo64 {
		useCo64 = anyOffsetNeeds64Bit(o.tracks, nil)
	}
	w := isobmff.NewBoxWriter()
	w.StartBox(isobmff.TypeMoov)

	durationTicks := movieDurationTicks(o)
	w.WriteMvhd(o.movieTimescale, durationTicks, o.nextTrackID)

	for _, t := range o.tracks {
		chunkOffsets := t.chunkOffsets
		if offsets != nil {
			chunkOffsets = offsets[t.ID]
		}
		if err := writeTrak(w, o, t, chunkOffsets, useCo64); err != nil {
			return nil, err
		}
	}
	w.EndBox()
	return w.Bytes(), nil
}

// buildMoovWithOffsetWidthProbe sizes moov in two passes
// for the in-memory layout: build once assuming 32-bit chunk offsets to
// measure moov's size, predict real offsets against that size, and rebuild
// with co64 if prediction shows any offset needs it.
func buildMoovWithOffsetWidthProbe(o *Output) ([]byte, bool, error) {
	probe, err := buildMoov(o, false, predictOffsets(o, 0))
	if err != nil {
		return nil, false, err
	}
	base0 := o.writer.Position() + int64(len(probe)) + mdatHeaderLen(totalSampleBytes(o))
	offsets0 := predictOffsets(o, base0)
	if !anyOffsetNeeds64Bit(o.tracks, offsets0) {
		final, err := buildMoov(o, false, offsets0)
		return final, false, err
	}

	withCo64, err := buildMoov(o, true, offsets0)
	if err != nil {
		return nil, false, err
	}
	base1 := o.writer.Position() + int64(len(withCo64)) + mdatHeaderLen(totalSampleBytes(o))
	offsets1 := predictOffsets(o, base1)
	final, err := buildMoov(o, true, offsets1)
	return final, true, err
}

func totalSampleBytes(o *Output) int64 {
	var total int64
	for _, t := range o.tracks {
		for _, c := range t.finalizedChunks {
			for _, s := range c.Samples {
				total += int64(len(s.Data))
			}
		}
	}
	return total
}

// mdatHeaderLen predicts the mdat header width writeInMemoryMdat will use:
// a payload whose box size overflows 32 bits forces the 16-byte largeSize
// header, shifting every chunk offset by 8 more bytes.
func mdatHeaderLen(payload int64) int64 {
	if 8+payload > uint32Max {
		return 16
	}
	return 8
}

// predictOffsets computes each track's chunk offsets as they will land once
// mdat is written track-major (matching Output.writeInMemoryMdat's order).
func predictOffsets(o *Output, base int64) map[uint32][]int64 {
	out := make(map[uint32][]int64, len(o.tracks))
	offset := base
	for _, t := range o.tracks {
		chunkOffsets := make([]int64, 0, len(t.finalizedChunks))
		for _, c := range t.finalizedChunks {
			chunkOffsets = append(chunkOffsets, offset)
			for _, s := range c.Samples {
				offset += int64(len(s.Data))
			}
		}
		out[t.ID] = chunkOffsets
	}
	return out
}

func anyOffsetNeeds64Bit(tracks []*OutputTrack, offsets map[uint32][]int64) bool {
	for _, t := range tracks {
		list := t.chunkOffsets
		if offsets != nil {
			list = offsets[t.ID]
		}
		for _, off := range list {
			if off >= 1<<32 {
				return true
			}
		}
	}
	return false
}

func movieDurationTicks(o *Output) uint64 {
	var maxUs int64
	for _, t := range o.tracks {
		us := trackDurationUs(t)
		if us > maxUs {
			maxUs = us
		}
	}
	return uint64(maxUs) * uint64(o.movieTimescale) / 1_000_000
}

func trackDurationUs(t *OutputTrack) int64 {
	var ticks int64
	for _, r := range t.sttsRuns {
		ticks += int64(r.Count) * int64(r.Duration)
	}
	return ticks * 1_000_000 / int64(t.Timescale)
}

func writeTrak(w *isobmff.BoxWriter, o *Output, t *OutputTrack, chunkOffsets []int64, useCo64 bool) error {
	w.StartBox(isobmff.TypeTrak)

	trackDurTicks := uint64(trackDurationUs(t)) * uint64(o.movieTimescale) / 1_000_000
	volume := uint16(0)
	if t.Kind == packet.Audio {
		volume = 0x0100
	}
	matrix := isobmff.IdentityMatrix(t.Rotation)
	if t.Matrix != nil {
		matrix = *t.Matrix
	}
	w.WriteTkhd(0x7, t.ID, trackDurTicks, uint32(t.Codec.Width)<<16, uint32(t.Codec.Height)<<16, volume, matrix)

	if off := t.firstCompositionOffset(); off > 0 {
		w.StartBox(isobmff.TypeEdts)
		w.WriteElst([]isobmff.ElstEntry{{
			SegmentDuration: trackDurTicks,
			MediaTime:       int64(off),
			MediaRateInt:    1,
		}})
		w.EndBox()
	}

	w.StartBox(isobmff.TypeMdia)
	var trackTicks int64
	for _, r := range t.sttsRuns {
		trackTicks += int64(r.Count) * int64(r.Duration)
	}
	w.WriteMdhd(t.Timescale, uint64(trackTicks), languageCode(t.Language))
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

	w.WriteStts(t.sttsRuns)
	if t.hasCompositionOffsets() {
		w.WriteCtts(t.cttsRuns)
	}
	w.WriteStsc(t.stscRuns)
	w.WriteStsz(0, t.sampleSizes)
	if useCo64 {
		entries := make([]uint64, len(chunkOffsets))
		for i, o := range chunkOffsets {
			entries[i] = uint64(o)
		}
		w.WriteCo64(entries)
	} else {
		entries := make([]uint32, len(chunkOffsets))
		for i, o := range chunkOffsets {
			entries[i] = uint32(o)
		}
		w.WriteStco(entries)
	}
	if len(t.keySampleIndices) > 0 && len(t.keySampleIndices) != t.numSamples {
		w.WriteStss(t.keySampleIndices)
	}
	w.EndBox() // stbl
	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak
	return nil
}

func writeSampleEntry(w *isobmff.BoxWriter, t *OutputTrack) error {
	boxType := codec.BoxTypeFor(t.Codec.Codec)
	switch t.Kind {
	case packet.Video:
		w.StartBox(boxType)
		w.WriteVisualSampleEntry(1, uint16(t.Codec.Width), uint16(t.Codec.Height), 1, 0x0018, "")
		switch t.Codec.Codec {
		case codec.AVC:
			w.WriteAvcC(t.Codec.Description)
		case codec.HEVC:
			w.WriteHvcC(t.Codec.Description)
		case codec.VP8, codec.VP9:
			w.WriteVpcC(t.Codec.Profile, t.Codec.Level, t.Codec.BitDepth, t.Codec.ChromaSubsampling,
				t.Codec.FullRange, t.Codec.ColorPrimaries, t.Codec.TransferCharacteristics, t.Codec.MatrixCoefficients)
		case codec.AV1:
			w.WriteAv1C(0, 0, false, false, false, false, false, false, 0, t.Codec.Description)
		}
		if len(t.Codec.ColorInfo) > 0 {
			w.WriteColr(t.Codec.ColorInfo)
		}
		w.EndBox()
	case packet.Audio:
		w.StartBox(boxType)
		w.WriteAudioSampleEntry(1, uint16(t.Codec.ChannelCount), 16, uint32(t.Codec.SampleRate)<<16)
		switch t.Codec.Codec {
		case codec.AAC:
			w.WriteEsds(uint16(t.ID), 0x40, t.Codec.Description, 0, 0)
		case codec.Opus:
			w.WriteDOps(uint8(t.Codec.ChannelCount), 0, uint32(t.Codec.SampleRate), 0, 0)
		case codec.FLAC:
			w.WriteDfLa(t.Codec.Description)
		case codec.ALAC:
			w.StartBox(isobmff.TypeAlac)
			w.WriteRaw(t.Codec.Description)
			w.EndBox()
		}
		w.EndBox()
	default:
		w.StartBox(boxType)
		w.EndBox()
	}
	return nil
}

func handlerType(kind packet.TrackKind) isobmff.BoxType {
	switch kind {
	case packet.Video:
		return isobmff.BoxTypeFrom("vide")
	case packet.Audio:
		return isobmff.BoxTypeFrom("soun")
	default:
		return isobmff.BoxTypeFrom("text")
	}
}

func handlerName(kind packet.TrackKind) string {
	switch kind {
	case packet.Video:
		return "VideoHandler"
	case packet.Audio:
		return "SoundHandler"
	default:
		return "TextHandler"
	}
}

// languageCode packs an ISO-639-2/T 3-letter code into mdhd's 16-bit
// language field (ISO/IEC 14496-12's "1 bit pad + 3x5 bit" packing).
func languageCode(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	var v uint16
	for i := 0; i < 3; i++ {
		v = v<<5 | uint16(lang[i]-0x60)
	}
	return v
}

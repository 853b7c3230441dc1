// Package demux implements the ISOBMFF demuxer: the initial
// metadata pass over moov/mvex, lazy non-fragmented sample-table
// construction, and lazy fragmented-file random access via moof/traf/trun
// and the mfra/tfra/mfro random-access index.
package demux

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

var be = binary.BigEndian

// Option configures an Input.
type Option func(*Input)

// WithLogger injects a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(in *Input) { in.log = logger }
}

// WithMetadataBudget overrides the metadata Reader's cache budget.
func WithMetadataBudget(bytes int64) Option {
	return func(in *Input) { in.metadataBudget = bytes }
}

// WithChunkBudget overrides the sample-data Reader's cache budget.
func WithChunkBudget(bytes int64) Option {
	return func(in *Input) { in.chunkBudget = bytes }
}

// Input is a Source interpreted by the ISOBMFF container codec.
// It exclusively owns a Reader and all InputTrack objects, which reference
// it by weak link (lookup only) rather than a strong back-reference cycle.
type Input struct {
	src         iobuf.Source
	reader      *iobuf.Reader
	chunkReader *iobuf.Reader
	log         *slog.Logger

	metadataBudget int64
	chunkBudget    int64

	tracks     []*InputTrack
	fragmented bool
	duration   int64 // microseconds, movie timescale converted

	fragMu    sync.Mutex
	fragments []*Fragment // sorted by MoofOffset

	// fragmentLookup[trackID] is the mfra/tfra-derived table, sorted by Time.
	fragmentLookup map[uint32][]FragmentLookupEntry

	size int64
}

// FragmentLookupEntry is one (presentationTimestamp, moofOffset) pair from
// an mfra/tfra table.
type FragmentLookupEntry struct {
	Time       int64 // track timescale units
	MoofOffset int64
}

// NewInput runs the initial metadata pass over src and returns a ready
// Input.
func NewInput(ctx context.Context, src iobuf.Source, opts ...Option) (*Input, error) {
	in := &Input{
		src:            src,
		log:            slog.Default(),
		metadataBudget: iobuf.DefaultMetadataBudget,
		chunkBudget:    iobuf.DefaultChunkBudget,
		fragmentLookup: make(map[uint32][]FragmentLookupEntry),
	}
	in.reader = iobuf.NewReader(src, in.metadataBudget, iobuf.WithLogger(in.log))
	in.chunkReader = iobuf.NewReader(src, in.chunkBudget, iobuf.WithLogger(in.log))

	size, err := src.Size(ctx)
	if err != nil {
		return nil, mberrors.Wrap(mberrors.ReadFailed, err, "input size")
	}
	in.size = size

	moovNode, mvexNode, err := in.findTopLevelBoxes(ctx)
	if err != nil {
		return nil, err
	}
	if moovNode == nil {
		return nil, mberrors.New(mberrors.Malformed, "moov box not found")
	}

	if err := in.parseMoov(ctx, moovNode); err != nil {
		return nil, err
	}

	if mvexNode != nil {
		in.fragmented = true
		if err := in.parseMvex(mvexNode); err != nil {
			return nil, err
		}
		if err := in.tryParseMfra(ctx); err != nil {
			in.log.Debug("demux: mfra not usable, falling back to byte-walk discovery", "error", err)
		}
	}

	return in, nil
}

// Tracks returns the input's elementary streams in moov order.
func (in *Input) Tracks() []*InputTrack { return in.tracks }

// Fragmented reports whether the file is a fragmented (fMP4) file.
func (in *Input) Fragmented() bool { return in.fragmented }

// DurationUs returns the movie-level duration in microseconds.
func (in *Input) DurationUs() int64 { return in.duration }

// MimeType renders the input's full MIME type with the codecs parameter,
// e.g. `video/mp4; codecs="avc1.640028, mp4a.40.2"`.
func (in *Input) MimeType() string {
	top := "audio/mp4"
	for _, t := range in.tracks {
		if t.Kind == packet.Video {
			top = "video/mp4"
			break
		}
	}
	codecs := make([]string, 0, len(in.tracks))
	for _, t := range in.tracks {
		codecs = append(codecs, codec.MimeCodec(t.Codec))
	}
	return top + `; codecs="` + strings.Join(codecs, ", ") + `"`
}

// ReadPacketData reads exactly size bytes of sample payload at offset,
// through a Reader dedicated to sample data, kept separate from the
// metadata Reader so a readahead-heavy pipeline doesn't evict moov/moof
// structure the next lookup still needs.
func (in *Input) ReadPacketData(ctx context.Context, offset int64, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	end := offset + int64(size)
	if err := in.chunkReader.LoadRange(ctx, offset, end); err != nil {
		return nil, err
	}
	in.chunkReader.Seek(offset)
	data, err := in.chunkReader.ReadBytes(int(size))
	if err != nil {
		return nil, err
	}
	in.chunkReader.ForgetRange(offset, end)
	return data, nil
}

// findTopLevelBoxes walks top-level boxes until moov is located.
// Returns the moov Node and, if the file is fragmented, moov's mvex child.
func (in *Input) findTopLevelBoxes(ctx context.Context) (moov, mvex *isobmff.Node, err error) {
	pos := int64(0)
	for pos < in.size {
		if err := in.reader.LoadRange(ctx, pos, minI64(pos+16, in.size)); err != nil {
			return nil, nil, err
		}
		node, err := isobmff.ParseTree(ctx, in.reader, pos, in.size)
		if err != nil {
			return nil, nil, err
		}
		if node.Type == isobmff.TypeMoov {
			moov = node
			mvex = node.Child(isobmff.TypeMvex)
			return moov, mvex, nil
		}
		pos += node.Size
	}
	return nil, nil, nil
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (in *Input) parseMoov(ctx context.Context, moov *isobmff.Node) error {
	mvhd := moov.Child(isobmff.TypeMvhd)
	if mvhd == nil {
		return mberrors.New(mberrors.Malformed, "moov missing mvhd")
	}
	version, _ := mvhd.FullBoxVersionFlags()
	var timescale uint32
	var durationTicks uint64
	if version == 1 {
		if len(mvhd.Body) < 4+16+4+8 {
			return mberrors.New(mberrors.Malformed, "mvhd v1 too short")
		}
		timescale = be.Uint32(mvhd.Body[20:24])
		durationTicks = be.Uint64(mvhd.Body[24:32])
	} else {
		if len(mvhd.Body) < 4+8+4+4 {
			return mberrors.New(mberrors.Malformed, "mvhd v0 too short")
		}
		timescale = be.Uint32(mvhd.Body[12:16])
		durationTicks = uint64(be.Uint32(mvhd.Body[16:20]))
	}
	if timescale == 0 {
		return mberrors.New(mberrors.Malformed, "mvhd timescale is zero")
	}
	in.duration = int64(durationTicks) * 1_000_000 / int64(timescale)

	traks := moov.ChildList(isobmff.TypeTrak)
	if len(traks) == 0 {
		return mberrors.New(mberrors.Malformed, "moov has no trak boxes")
	}
	for _, trak := range traks {
		track, err := parseTrak(trak)
		if err != nil {
			in.log.Warn("demux: skipping unusable track", "error", err)
			continue
		}
		track.input = in
		in.tracks = append(in.tracks, track)
	}
	if len(in.tracks) == 0 {
		return mberrors.New(mberrors.Malformed, "no usable tracks")
	}
	return nil
}

func parseTrak(trak *isobmff.Node) (*InputTrack, error) {
	tkhd := trak.Child(isobmff.TypeTkhd)
	if tkhd == nil {
		return nil, fmt.Errorf("missing tkhd")
	}
	version, _ := tkhd.FullBoxVersionFlags()
	var trackID uint32
	var width, height uint32
	var matrix [36]byte
	if version == 1 {
		if len(tkhd.Body) < 96 {
			return nil, fmt.Errorf("tkhd v1 too short")
		}
		trackID = be.Uint32(tkhd.Body[20:24])
		copy(matrix[:], tkhd.Body[52:88])
		width = be.Uint32(tkhd.Body[88:92]) >> 16
		height = be.Uint32(tkhd.Body[92:96]) >> 16
	} else {
		if len(tkhd.Body) < 4+12+4+4+2+4+8+8 {
			return nil, fmt.Errorf("tkhd v0 too short")
		}
		trackID = be.Uint32(tkhd.Body[12:16])
		copy(matrix[:], tkhd.Body[40:76])
		width = be.Uint32(tkhd.Body[76:80]) >> 16
		height = be.Uint32(tkhd.Body[80:84]) >> 16
	}
	rotation := isobmff.RotationFromMatrix(matrix)

	mdia := trak.Child(isobmff.TypeMdia)
	if mdia == nil {
		return nil, fmt.Errorf("missing mdia")
	}
	mdhd := mdia.Child(isobmff.TypeMdhd)
	if mdhd == nil {
		return nil, fmt.Errorf("missing mdhd")
	}
	mdhdVersion, _ := mdhd.FullBoxVersionFlags()
	var timescale uint32
	var mediaDuration uint64
	if mdhdVersion == 1 {
		timescale = be.Uint32(mdhd.Body[20:24])
		mediaDuration = be.Uint64(mdhd.Body[24:32])
	} else {
		timescale = be.Uint32(mdhd.Body[12:16])
		mediaDuration = uint64(be.Uint32(mdhd.Body[16:20]))
	}
	if timescale == 0 {
		return nil, fmt.Errorf("mdhd timescale is zero")
	}

	hdlr := mdia.Child(isobmff.TypeHdlr)
	if hdlr == nil || len(hdlr.Body) < 12 {
		return nil, fmt.Errorf("missing hdlr")
	}
	handlerType := string(hdlr.Body[4:8])

	minf := mdia.Child(isobmff.TypeMinf)
	if minf == nil {
		return nil, fmt.Errorf("missing minf")
	}
	stbl := minf.Child(isobmff.TypeStbl)
	if stbl == nil {
		return nil, fmt.Errorf("missing stbl")
	}
	stsd := stbl.Child(isobmff.TypeStsd)
	if stsd == nil || len(stsd.Children) == 0 {
		return nil, fmt.Errorf("missing stsd entries")
	}
	entry := stsd.Children[0]

	var kind packet.TrackKind
	switch handlerType {
	case "vide":
		kind = packet.Video
	case "soun":
		kind = packet.Audio
	case "sbtl", "subt", "text":
		kind = packet.Subtitle
	default:
		return nil, fmt.Errorf("unsupported handler type %q", handlerType)
	}

	cfg, err := decodeSampleEntry(entry, width, height)
	if err != nil {
		return nil, err
	}
	cfg.Rotation = rotation

	var elst *isobmff.Node
	if edts := trak.Child(isobmff.TypeEdts); edts != nil {
		elst = edts.Child(isobmff.TypeElst)
	}
	editShiftTicks := int64(0)
	if elst != nil {
		version, _ := elst.FullBoxVersionFlags()
		entries := isobmff.NewElstIter(elst.Body[4:], version)
		if e, ok := entries.Next(); ok && e.MediaTime >= 0 {
			editShiftTicks = e.MediaTime
		}
	}

	t := &InputTrack{
		ID:            trackID,
		Kind:          kind,
		Timescale:     timescale,
		Codec:         cfg,
		DurationUs:    int64(mediaDuration) * 1_000_000 / int64(timescale),
		stblNode:      stbl,
		editStartTick: editShiftTicks,
	}
	return t, nil
}

func decodeSampleEntry(entry *isobmff.Node, width, height uint32) (codec.Config, error) {
	cfg := codec.Config{Width: int(width), Height: int(height)}
	switch entry.Type {
	case isobmff.TypeAvc1:
		cfg.Codec = codec.AVC
		if c := entry.Child(isobmff.TypeAvcC); c != nil {
			cfg.Description = c.Body
			if cfg.Width == 0 || cfg.Height == 0 {
				if sps := isobmff.ExtractAVCSPS(c.Body); sps != nil {
					if w, h, err := isobmff.H264SPSDimensions(sps); err == nil {
						cfg.Width, cfg.Height = w, h
					}
				}
			}
		}
	case isobmff.TypeHvc1, isobmff.TypeHev1:
		cfg.Codec = codec.HEVC
		if c := entry.Child(isobmff.TypeHvcC); c != nil {
			cfg.Description = c.Body
			if cfg.Width == 0 || cfg.Height == 0 {
				if sps := isobmff.ExtractHEVCSPS(c.Body); sps != nil {
					if w, h, err := isobmff.H265SPSDimensions(sps); err == nil {
						cfg.Width, cfg.Height = w, h
					}
				}
			}
		}
	case isobmff.TypeVp08:
		cfg.Codec = codec.VP8
		if c := entry.Child(isobmff.TypeVpcC); c != nil {
			cfg.Description = c.Body
			cfg.Profile, cfg.Level, cfg.BitDepth, cfg.ChromaSubsampling, cfg.FullRange,
				cfg.ColorPrimaries, cfg.TransferCharacteristics, cfg.MatrixCoefficients = isobmff.ReadVpcCParams(c.Body)
		}
	case isobmff.TypeVp09:
		cfg.Codec = codec.VP9
		if c := entry.Child(isobmff.TypeVpcC); c != nil {
			cfg.Description = c.Body
			cfg.Profile, cfg.Level, cfg.BitDepth, cfg.ChromaSubsampling, cfg.FullRange,
				cfg.ColorPrimaries, cfg.TransferCharacteristics, cfg.MatrixCoefficients = isobmff.ReadVpcCParams(c.Body)
		}
	case isobmff.TypeAv01:
		cfg.Codec = codec.AV1
		if c := entry.Child(isobmff.TypeAv1C); c != nil {
			cfg.Description = c.Body
		}
	case isobmff.TypeMp4a:
		cfg.Codec = codec.AAC
		if c := entry.Child(isobmff.TypeEsds); c != nil {
			cfg.Description = isobmff.DecoderSpecificInfo(c.Body[4:])
		}
		if len(entry.Body) >= 28 {
			cfg.ChannelCount = int(be.Uint16(entry.Body[16:18]))
			cfg.SampleRate = int(be.Uint32(entry.Body[24:28]) >> 16)
		}
	case isobmff.TypeOpus:
		cfg.Codec = codec.Opus
		if c := entry.Child(isobmff.TypeDOps); c != nil {
			cfg.Description = c.Body
		}
	case isobmff.TypeFLaC:
		cfg.Codec = codec.FLAC
		if c := entry.Child(isobmff.TypeDfLa); c != nil {
			cfg.Description = c.Body
		}
	case isobmff.TypeAc3:
		cfg.Codec = codec.AC3
	case isobmff.TypeEc3:
		cfg.Codec = codec.EAC3
	case isobmff.TypeAlac:
		cfg.Codec = codec.ALAC
		if c := entry.Child(isobmff.TypeAlac); c != nil {
			cfg.Description = c.Body
		}
	case isobmff.TypeSowt, isobmff.TypeTwos, isobmff.TypeLpcm, isobmff.TypeUlaw, isobmff.TypeAlaw:
		cfg.Codec = codec.PCM
	case isobmff.TypeTx3g:
		cfg.Codec = codec.Tx3g
	case isobmff.TypeWvtt:
		cfg.Codec = codec.WebVTT
	default:
		return codec.Config{}, fmt.Errorf("unsupported sample entry %s", entry.Type)
	}
	if c := entry.Child(isobmff.TypeColr); c != nil {
		cfg.ColorInfo = c.Body
	}
	return cfg, nil
}

func (in *Input) parseMvex(mvex *isobmff.Node) error {
	for _, trex := range mvex.ChildList(isobmff.TypeTrex) {
		if len(trex.Body) < 24 {
			continue
		}
		trackID := be.Uint32(trex.Body[4:8])
		for _, t := range in.tracks {
			if t.ID == trackID {
				t.trexDefaultDescIdx = be.Uint32(trex.Body[8:12])
				t.trexDefaultDuration = be.Uint32(trex.Body[12:16])
				t.trexDefaultSize = be.Uint32(trex.Body[16:20])
				t.trexDefaultFlags = be.Uint32(trex.Body[20:24])
			}
		}
	}
	return nil
}

// tryParseMfra reads the trailing mfro+mfra tables, if present.
func (in *Input) tryParseMfra(ctx context.Context) error {
	if in.size < 16 {
		return fmt.Errorf("file too small for mfro")
	}
	if err := in.reader.LoadRange(ctx, in.size-16, in.size); err != nil {
		return err
	}
	in.reader.Seek(in.size - 16)
	size32, err := in.reader.ReadU32()
	if err != nil {
		return err
	}
	typeBytes, err := in.reader.ReadBytes(4)
	if err != nil {
		return err
	}
	if string(typeBytes) != "mfro" || size32 != 16 {
		return fmt.Errorf("no trailing mfro")
	}
	if _, err := in.reader.ReadU32(); err != nil { // version/flags
		return err
	}
	mfroSize, err := in.reader.ReadU32()
	if err != nil {
		return err
	}
	// mfro's size field names the whole enclosing mfra, itself included.
	mfraStart := in.size - int64(mfroSize)
	if mfraStart < 0 {
		return fmt.Errorf("mfro size field out of range")
	}
	node, err := isobmff.ParseTree(ctx, in.reader, mfraStart, in.size)
	if err != nil {
		return err
	}
	if node.Type != isobmff.TypeMfra {
		return fmt.Errorf("mfro did not point at mfra")
	}
	for _, tfra := range node.ChildList(isobmff.TypeTfra) {
		version, _ := tfra.FullBoxVersionFlags()
		trackID, entries, ok := isobmff.ParseTfra(tfra.Body[4:], version)
		if !ok {
			continue
		}
		lookup := make([]FragmentLookupEntry, len(entries))
		for i, e := range entries {
			lookup[i] = FragmentLookupEntry{Time: int64(e.Time), MoofOffset: int64(e.MoofOffset)}
		}
		sort.Slice(lookup, func(i, j int) bool { return lookup[i].Time < lookup[j].Time })
		in.fragmentLookup[trackID] = lookup
	}
	return nil
}

// Package codec defines the codec identifiers, the opaque DecoderConfig
// collaborator contract, MIME codec string derivation, and the
// output-format/codec compatibility matrix the conversion orchestrator
// consults when planning copy vs. transcode.
package codec

import (
	"fmt"
	"strconv"

	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/packet"
)

// ID names a codec independent of any container-specific box encoding.
type ID string

const (
	AVC       ID = "avc"
	HEVC      ID = "hevc"
	VP8       ID = "vp8"
	VP9       ID = "vp9"
	AV1       ID = "av1"
	MPEG4Part2 ID = "mpeg4-part2"

	AAC    ID = "aac"
	Opus   ID = "opus"
	FLAC   ID = "flac"
	MP3    ID = "mp3"
	PCM    ID = "pcm"
	AC3    ID = "ac-3"
	EAC3   ID = "ec-3"
	Vorbis ID = "vorbis"
	ALAC   ID = "alac"

	WebVTT ID = "webvtt"
	Tx3g   ID = "tx3g"
	SRT    ID = "srt"
	ASS    ID = "ass"
	TTML   ID = "ttml"
)

// Config is the opaque, codec-specific initialization blob plus the handful
// of scalars an encoder/decoder collaborator needs to start. The core
// never interprets Description's
// bytes; it only copies them between boxes or hands them to a collaborator.
type Config struct {
	Codec       ID
	Description []byte // avcC/hvcC/dOps payload, AudioSpecificConfig, ...

	Width, Height int // video
	Rotation      int // degrees, one of 0/90/180/270

	SampleRate   int // audio
	ChannelCount int

	ColorInfo []byte // opaque colr box payload, round-tripped, never parsed

	// VP8/VP9 vpcC parameters.
	// Zero value for every other codec; populated from the source vpcC on
	// copy, or by the encoder collaborator on transcode.
	Profile                 uint8
	Level                   uint8
	BitDepth                uint8
	ChromaSubsampling       uint8
	FullRange               bool
	ColorPrimaries          uint8
	TransferCharacteristics uint8
	MatrixCoefficients      uint8
}

// BoxTypeFor returns the sample entry box type used to carry codec on an
// ISOBMFF stsd, or the zero BoxType if codec has no ISOBMFF mapping.
func BoxTypeFor(id ID) isobmff.BoxType {
	switch id {
	case AVC:
		return isobmff.TypeAvc1
	case HEVC:
		return isobmff.TypeHvc1
	case VP8:
		return isobmff.TypeVp08
	case VP9:
		return isobmff.TypeVp09
	case AV1:
		return isobmff.TypeAv01
	case AAC:
		return isobmff.TypeMp4a
	case Opus:
		return isobmff.TypeOpus
	case FLAC:
		return isobmff.TypeFLaC
	case AC3:
		return isobmff.TypeAc3
	case EAC3:
		return isobmff.TypeEc3
	case ALAC:
		return isobmff.TypeAlac
	case Tx3g:
		return isobmff.TypeTx3g
	case WebVTT:
		return isobmff.TypeWvtt
	}
	return isobmff.BoxType{}
}

// MimeCodec derives the MIME "codecs" parameter value for cfg, following
// the per-family registration rules (RFC 6381 and the codec registries).
func MimeCodec(cfg Config) string {
	switch cfg.Codec {
	case AVC:
		return "avc1." + isobmff.ReadAvcC(cfg.Description)
	case HEVC:
		return "hev1." + isobmff.ReadHvcCProfileTierLevel(cfg.Description)
	case VP8:
		return "vp8"
	case VP9:
		return "vp09." + isobmff.ReadVpcCCodec(cfg.Description)
	case AV1:
		return "av01." + isobmff.ReadAv1CCodec(cfg.Description)
	case AAC:
		// Description is either a full esds descriptor chain or a bare
		// AudioSpecificConfig; the object type lives in the top 5 bits of
		// the latter.
		if len(cfg.Description) > 0 && cfg.Description[0] != 0x03 {
			if ot := cfg.Description[0] >> 3; ot != 0 {
				return "mp4a.40." + strconv.Itoa(int(ot))
			}
		}
		c := isobmff.ReadEsdsCodec(cfg.Description)
		if c == "" {
			c = "40.2"
		}
		return "mp4a." + c
	case Opus:
		return "opus"
	case FLAC:
		return "fLaC"
	case MP3:
		return "mp4a.6B"
	case AC3:
		return "ac-3"
	case EAC3:
		return "ec-3"
	case Vorbis:
		return "vorbis"
	case ALAC:
		return "alac"
	case PCM:
		return "ipcm"
	case WebVTT:
		return "wvtt"
	case Tx3g:
		return "tx3g"
	}
	return string(cfg.Codec)
}

// OutputFamily names a container family on the write side.
type OutputFamily string

const (
	FamilyMP4      OutputFamily = "mp4"
	FamilyQuickTime OutputFamily = "mov"
	FamilyMatroska OutputFamily = "matroska"
	FamilyAVI      OutputFamily = "avi"
)

type support struct {
	video, audio, subtitle map[ID]bool
}

func set(ids ...ID) map[ID]bool {
	m := make(map[ID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

var matrix = map[OutputFamily]support{
	FamilyMP4: {
		video:    set(AVC, HEVC, VP8, VP9, AV1),
		audio:    set(AAC, Opus, FLAC, MP3, PCM),
		subtitle: set(WebVTT, Tx3g),
	},
	FamilyQuickTime: {
		video:    set(AVC, HEVC, VP8, VP9, AV1, MPEG4Part2),
		audio:    set(AAC, Opus, FLAC, MP3, PCM, AC3, EAC3, Vorbis, ALAC),
		subtitle: set(WebVTT, Tx3g, TTML),
	},
	FamilyMatroska: {
		video:    set(AVC, HEVC, VP8, VP9, AV1, MPEG4Part2),
		audio:    set(AAC, Opus, FLAC, MP3, PCM, Vorbis),
		subtitle: set(SRT, ASS, WebVTT),
	},
	FamilyAVI: {
		video:    set(AVC, HEVC, VP8, VP9, AV1, MPEG4Part2),
		audio:    set(MP3, AAC, Vorbis, FLAC, PCM),
		subtitle: nil,
	},
}

// Supports reports whether family can carry codec id for the given track
// kind, per the output-format compatibility matrix above.
func Supports(family OutputFamily, kind packet.TrackKind, id ID) bool {
	s, ok := matrix[family]
	if !ok {
		return false
	}
	switch kind {
	case packet.Video:
		return s.video[id]
	case packet.Audio:
		return s.audio[id]
	case packet.Subtitle:
		return s.subtitle[id]
	}
	return false
}

// String renders a family for logs/errors.
func (f OutputFamily) String() string { return string(f) }

// ErrNoCodecs is returned when a family's compatibility set is requested
// for a kind it declares no support for at all (e.g. AVI subtitles).
func ErrNoCodecs(family OutputFamily, kind packet.TrackKind) error {
	return fmt.Errorf("codec: %s has no supported codecs for track kind %s", family, kind)
}

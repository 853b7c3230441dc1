// Package convert implements the conversion orchestrator: it
// plans which input tracks flow to which output tracks (copy vs. re-encode
// vs. discard), applies per-track trim metadata, enforces container/codec
// compatibility via package codec's matrix, and drives the pipeline to
// completion with progress reporting and cancellation.
package convert

import (
	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff/demux"
	"github.com/tetsuo/mediabunny/packet"
	"github.com/tetsuo/mediabunny/pipeline"
)

// TrimWindow restricts a track to the packets overlapping [StartUs, EndUs).
type TrimWindow struct {
	StartUs int64
	EndUs   int64
}

// CropRect crops a video track's decoded frames before re-encoding. Only
// meaningful in transcode mode; present on a copy-eligible track forces
// transcode.
type CropRect struct {
	X, Y, Width, Height int
}

// TrackOptions is the per-kind options object, accepted either as a
// literal value or per-track via TrackOptionsFunc.
type TrackOptions struct {
	Discard bool

	// Codec, if non-empty, pins the output codec. Empty means "prefer the
	// input codec when the output format supports it, else let planning
	// discard the track".
	Codec codec.ID

	Trim *TrimWindow
	Crop *CropRect

	// Rotate overrides the emitted rotation in degrees (0/90/180/270). nil
	// means "keep the input track's rotation."
	Rotate *int

	// Bitrate, if non-zero, forces transcode even when the input codec would
	// otherwise copy. The value itself is not passed to EncoderFactory or
	// carried in the target codec.Config.
	Bitrate int

	// TargetConfig seeds the OutputTrack's codec.Config for a transcoded
	// track (dimensions, sample rate, channel count — the scalars an
	// encoder's caller already knows before the encoder produces its first
	// packet). Ignored in copy mode.
	TargetConfig codec.Config
}

// TrackOptionsFunc resolves options per track, given the track and its
// index among tracks of the same kind.
type TrackOptionsFunc func(track *demux.InputTrack, n int) TrackOptions

// KindOptions is either a literal TrackOptions or a TrackOptionsFunc for one
// track kind.
type KindOptions struct {
	Static TrackOptions
	Func   TrackOptionsFunc
}

// Static wraps a literal TrackOptions.
func Static(opts TrackOptions) KindOptions { return KindOptions{Static: opts} }

// PerTrack wraps a TrackOptionsFunc.
func PerTrack(fn TrackOptionsFunc) KindOptions { return KindOptions{Func: fn} }

func (k KindOptions) resolve(track *demux.InputTrack, n int) TrackOptions {
	if k.Func != nil {
		return k.Func(track, n)
	}
	return k.Static
}

// DecoderFactory constructs a Decoder collaborator for an input track about
// to be transcoded.
type DecoderFactory func(track *demux.InputTrack) (pipeline.Decoder, error)

// EncoderFactory constructs an Encoder collaborator targeting codec id for
// an input track about to be transcoded, given the caller-resolved target
// config.
type EncoderFactory func(track *demux.InputTrack, id codec.ID, cfg codec.Config) (pipeline.Encoder, error)

// Options configures a Conversion.
type Options struct {
	Video    KindOptions
	Audio    KindOptions
	Subtitle KindOptions

	NewDecoder DecoderFactory
	NewEncoder EncoderFactory

	// OnProgress is called periodically with a fraction in [0,1] mixed from
	// per-track completion weighted by track duration.
	OnProgress func(fraction float64)
}

func (o Options) forKind(kind packet.TrackKind) KindOptions {
	switch kind {
	case packet.Video:
		return o.Video
	case packet.Audio:
		return o.Audio
	default:
		return o.Subtitle
	}
}

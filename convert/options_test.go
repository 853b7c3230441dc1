package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff/demux"
	"github.com/tetsuo/mediabunny/packet"
)

func TestKindOptionsStaticResolve(t *testing.T) {
	ko := Static(TrackOptions{Discard: true, Codec: codec.AAC})
	resolved := ko.resolve(&demux.InputTrack{}, 0)
	assert.True(t, resolved.Discard)
	assert.Equal(t, codec.AAC, resolved.Codec)
}

func TestKindOptionsPerTrackResolve(t *testing.T) {
	ko := PerTrack(func(track *demux.InputTrack, n int) TrackOptions {
		return TrackOptions{Discard: n > 0}
	})

	first := ko.resolve(&demux.InputTrack{}, 0)
	assert.False(t, first.Discard)

	second := ko.resolve(&demux.InputTrack{}, 1)
	assert.True(t, second.Discard)
}

func TestOptionsForKind(t *testing.T) {
	opts := Options{
		Video:    Static(TrackOptions{Codec: codec.HEVC}),
		Audio:    Static(TrackOptions{Codec: codec.Opus}),
		Subtitle: Static(TrackOptions{Codec: codec.WebVTT}),
	}

	assert.Equal(t, codec.HEVC, opts.forKind(packet.Video).Static.Codec)
	assert.Equal(t, codec.Opus, opts.forKind(packet.Audio).Static.Codec)
	assert.Equal(t, codec.WebVTT, opts.forKind(packet.Subtitle).Static.Codec)
}

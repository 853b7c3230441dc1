package convert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff/demux"
	"github.com/tetsuo/mediabunny/isobmff/mux"
	"github.com/tetsuo/mediabunny/packet"
	"github.com/tetsuo/mediabunny/pipeline"
)

type fakeDecoder struct{}

func (fakeDecoder) Configure(codec.Config) error                       { return nil }
func (fakeDecoder) Decode(context.Context, packet.EncodedPacket) error { return nil }
func (fakeDecoder) Flush(context.Context) error                        { return nil }
func (fakeDecoder) Inflight() int                                      { return 0 }
func (fakeDecoder) Frames() <-chan pipeline.Frame                      { return nil }
func (fakeDecoder) Errors() <-chan error                               { return nil }

type fakeEncoder struct{}

func (fakeEncoder) Configure(codec.Config) error { return nil }
func (fakeEncoder) Encode(context.Context, pipeline.Frame, pipeline.EncoderOptions) error {
	return nil
}
func (fakeEncoder) Flush(context.Context) error                     { return nil }
func (fakeEncoder) Packets() <-chan pipeline.EncodedPacketWithConfig { return nil }
func (fakeEncoder) Errors() <-chan error                            { return nil }

func TestModeString(t *testing.T) {
	assert.Equal(t, "copy", ModeCopy.String())
	assert.Equal(t, "transcode", ModeTranscode.String())
	assert.Equal(t, "discard", ModeDiscard.String())
	assert.Equal(t, "unknown", Mode(99).String())
}

func newTestConversion(opts Options) *Conversion {
	out := mux.NewOutput(iobuf.NewMemoryTarget(), codec.FamilyMP4)
	return &Conversion{output: out, opts: opts}
}

func TestPlanTrackExplicitDiscard(t *testing.T) {
	c := newTestConversion(Options{Video: Static(TrackOptions{Discard: true})})
	track := &demux.InputTrack{Kind: packet.Video, Codec: codec.Config{Codec: codec.AVC}}

	plan := c.planTrack(track, 0)
	assert.Equal(t, ModeDiscard, plan.Mode)
	assert.Equal(t, ReasonExplicit, plan.DiscardReason)
}

func TestPlanTrackCopyWhenFamilySupportsCodec(t *testing.T) {
	c := newTestConversion(Options{})
	track := &demux.InputTrack{Kind: packet.Video, Codec: codec.Config{Codec: codec.AVC}}

	plan := c.planTrack(track, 0)
	assert.Equal(t, ModeCopy, plan.Mode)
	assert.Equal(t, codec.AVC, plan.TargetCodec)
}

func TestPlanTrackDiscardsWhenFamilyRejectsCodecAndNoEncoder(t *testing.T) {
	c := newTestConversion(Options{})
	track := &demux.InputTrack{Kind: packet.Video, Codec: codec.Config{Codec: codec.MPEG4Part2}}

	plan := c.planTrack(track, 0)
	assert.Equal(t, ModeDiscard, plan.Mode)
	assert.Equal(t, ReasonNoEncodableTarget, plan.DiscardReason)
}

func TestPlanTrackTranscodesWhenFactoriesSupplied(t *testing.T) {
	c := newTestConversion(Options{
		Video: Static(TrackOptions{Codec: codec.HEVC}),
		NewDecoder: func(track *demux.InputTrack) (pipeline.Decoder, error) {
			return fakeDecoder{}, nil
		},
		NewEncoder: func(track *demux.InputTrack, id codec.ID, cfg codec.Config) (pipeline.Encoder, error) {
			return fakeEncoder{}, nil
		},
	})
	track := &demux.InputTrack{Kind: packet.Video, Codec: codec.Config{Codec: codec.MPEG4Part2}}

	plan := c.planTrack(track, 0)
	assert.Equal(t, ModeTranscode, plan.Mode)
	assert.Equal(t, codec.HEVC, plan.TargetCodec)
}

func TestValidateComputesIsValidAndWeights(t *testing.T) {
	c := newTestConversion(Options{})
	videoTrack := &demux.InputTrack{Kind: packet.Video, Codec: codec.Config{Codec: codec.AVC}, DurationUs: 3_000_000}
	audioTrack := &demux.InputTrack{Kind: packet.Audio, Codec: codec.Config{Codec: codec.AAC}, DurationUs: 1_000_000}
	subTrack := &demux.InputTrack{Kind: packet.Subtitle, Codec: codec.Config{Codec: codec.ASS}}

	c.plans = []*TrackPlan{
		c.planTrack(videoTrack, 0),
		c.planTrack(audioTrack, 0),
		c.planTrack(subTrack, 0), // MP4 doesn't support ASS subtitles: discarded
	}
	c.validate()

	require.True(t, c.IsValid())
	assert.Equal(t, ModeDiscard, c.plans[2].Mode)

	total := 0.0
	for _, w := range c.weights {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.InDelta(t, 0.75, c.weights[c.plans[0]], 1e-9)
	assert.InDelta(t, 0.25, c.weights[c.plans[1]], 1e-9)
}

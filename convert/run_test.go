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
)

// buildTenSecondInput muxes a 10s single-track MP4: 100 key samples at 100ms.
func buildTenSecondInput(t *testing.T) *demux.Input {
	t.Helper()
	ctx := context.Background()
	tgt := iobuf.NewMemoryTarget()
	out := mux.NewOutput(tgt, codec.FamilyMP4)
	tr, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC, Width: 64, Height: 64})
	require.NoError(t, err)
	require.NoError(t, out.Start(ctx))
	for i := 0; i < 100; i++ {
		require.NoError(t, out.AddPacket(ctx, tr, packet.EncodedPacket{
			Data:        []byte{byte(i)},
			Kind:        packet.Key,
			TimestampUs: int64(i) * 100_000,
			DurationUs:  100_000,
		}))
	}
	require.NoError(t, out.Finalize(ctx))

	in, err := demux.NewInput(ctx, iobuf.NewMemorySource(tgt.Bytes()))
	require.NoError(t, err)
	return in
}

// TestCopyConversionTrimRoundTrip runs a copy-mode conversion with a
// [2s,4s) trim window and re-reads the result: the first packet lands at 0
// and the retained span covers two seconds.
func TestCopyConversionTrimRoundTrip(t *testing.T) {
	ctx := context.Background()
	in := buildTenSecondInput(t)

	tgt := iobuf.NewMemoryTarget()
	out := mux.NewOutput(tgt, codec.FamilyMP4)

	conv, err := New(ctx, in, out, Options{
		Video: Static(TrackOptions{Trim: &TrimWindow{StartUs: 2_000_000, EndUs: 4_000_000}}),
	})
	require.NoError(t, err)
	require.True(t, conv.IsValid())
	require.Equal(t, ModeCopy, conv.Plans()[0].Mode)

	require.NoError(t, conv.Run(ctx))
	assert.Equal(t, mux.StateFinalized, out.State())

	reread, err := demux.NewInput(ctx, iobuf.NewMemorySource(tgt.Bytes()))
	require.NoError(t, err)
	track := reread.Tracks()[0]

	n, err := track.NumSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	first, err := track.GetSampleInfo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.PresentationTimeUs)

	last, err := track.GetSampleInfo(ctx, n-1)
	require.NoError(t, err)
	assert.LessOrEqual(t, last.PresentationTimeUs+last.DurationUs, int64(2_000_000)+100_000)

	// The retained payload is the original 2s..4s span.
	data, err := reread.ReadPacketData(ctx, first.Offset, first.Size)
	require.NoError(t, err)
	assert.Equal(t, []byte{20}, data)
}

// TestConversionProgressReachesOne verifies the duration-weighted progress
// mix lands on 1.0 once every retained track drains.
func TestConversionProgressReachesOne(t *testing.T) {
	ctx := context.Background()
	in := buildTenSecondInput(t)

	var final float64
	out := mux.NewOutput(iobuf.NewMemoryTarget(), codec.FamilyMP4)
	conv, err := New(ctx, in, out, Options{
		OnProgress: func(frac float64) { final = frac },
	})
	require.NoError(t, err)
	require.NoError(t, conv.Run(ctx))
	assert.InDelta(t, 1.0, final, 1e-9)
}

// TestSubtitleCodecMatrixDiscards covers the codec-matrix discard: a
// subtitle track whose requested target codec the output family cannot
// carry is dropped with reason no_encodable_target_codec, and a conversion
// retaining nothing is invalid.
func TestSubtitleCodecMatrixDiscards(t *testing.T) {
	c := newTestConversion(Options{Subtitle: Static(TrackOptions{Codec: codec.ASS})})
	track := &demux.InputTrack{Kind: packet.Subtitle, Codec: codec.Config{Codec: codec.SRT}}

	plan := c.planTrack(track, 0)
	assert.Equal(t, ModeDiscard, plan.Mode)
	assert.Equal(t, ReasonNoEncodableTarget, plan.DiscardReason)

	c.plans = []*TrackPlan{plan}
	c.validate()
	assert.False(t, c.IsValid())
}

func TestCancelBeforeRunMakesRunReturnCancelled(t *testing.T) {
	ctx := context.Background()
	in := buildTenSecondInput(t)
	out := mux.NewOutput(iobuf.NewMemoryTarget(), codec.FamilyMP4)

	conv, err := New(ctx, in, out, Options{})
	require.NoError(t, err)

	conv.Cancel(ctx)
	err = conv.Run(ctx)
	require.Error(t, err)
}

package demux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff/mux"
	"github.com/tetsuo/mediabunny/packet"
)

// avcC body: configurationVersion, profile 0x64, compat 0x00, level 0x28,
// lengthSizeMinusOne, numSPS=0 -- enough for MimeCodec derivation without a
// real SPS.
var testAvcC = []byte{0x01, 0x64, 0x00, 0x28, 0xff, 0xe0}

// buildNonFragmentedFixture muxes a 1s AVC+AAC file in the default streaming
// layout: 25 video samples at 40ms (key every 10th) and 10 audio samples at
// 100ms, each payload unique so byte-level round-trips are checkable.
func buildNonFragmentedFixture(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	tgt := iobuf.NewMemoryTarget()
	out := mux.NewOutput(tgt, codec.FamilyMP4)

	video, err := out.AddTrack(packet.Video, 1000, codec.Config{
		Codec: codec.AVC, Width: 320, Height: 240, Description: testAvcC,
	})
	require.NoError(t, err)
	audio, err := out.AddTrack(packet.Audio, 48000, codec.Config{
		Codec: codec.AAC, SampleRate: 44100, ChannelCount: 2, Description: []byte{0x12, 0x10},
	})
	require.NoError(t, err)
	require.NoError(t, out.Start(ctx))

	for i := 0; i < 25; i++ {
		kind := packet.Delta
		if i%10 == 0 {
			kind = packet.Key
		}
		require.NoError(t, out.AddPacket(ctx, video, packet.EncodedPacket{
			Data:        []byte{0x56, byte(i), byte(i + 1)},
			Kind:        kind,
			TimestampUs: int64(i) * 40_000,
			DurationUs:  40_000,
		}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, out.AddPacket(ctx, audio, packet.EncodedPacket{
			Data:        []byte{0x41, byte(i)},
			Kind:        packet.Key,
			TimestampUs: int64(i) * 100_000,
			DurationUs:  100_000,
		}))
	}
	require.NoError(t, out.Finalize(ctx))
	return tgt.Bytes()
}

func TestNonFragmentedMetadataPass(t *testing.T) {
	ctx := context.Background()
	in, err := NewInput(ctx, iobuf.NewMemorySource(buildNonFragmentedFixture(t)))
	require.NoError(t, err)

	assert.False(t, in.Fragmented())
	require.Len(t, in.Tracks(), 2)

	video := in.Tracks()[0]
	assert.Equal(t, packet.Video, video.Kind)
	assert.Equal(t, uint32(1000), video.Timescale)
	assert.Equal(t, codec.AVC, video.Codec.Codec)
	assert.Equal(t, 320, video.Codec.Width)
	assert.Equal(t, 240, video.Codec.Height)
	assert.Equal(t, testAvcC, video.Codec.Description)
	assert.Equal(t, "avc1.640028", codec.MimeCodec(video.Codec))
	assert.Equal(t, int64(1_000_000), video.DurationUs)

	audio := in.Tracks()[1]
	assert.Equal(t, packet.Audio, audio.Kind)
	assert.Equal(t, uint32(48000), audio.Timescale)
	assert.Equal(t, codec.AAC, audio.Codec.Codec)
	assert.Equal(t, 2, audio.Codec.ChannelCount)
	assert.Equal(t, 44100, audio.Codec.SampleRate)

	assert.Equal(t, `video/mp4; codecs="avc1.640028, mp4a.40.2"`, in.MimeType())
}

func TestNonFragmentedSampleLookup(t *testing.T) {
	ctx := context.Background()
	in, err := NewInput(ctx, iobuf.NewMemorySource(buildNonFragmentedFixture(t)))
	require.NoError(t, err)
	video := in.Tracks()[0]

	n, err := video.NumSamples(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	for i := 0; i < n; i++ {
		info, err := video.GetSampleInfo(ctx, i)
		require.NoError(t, err)
		assert.Equal(t, int64(i)*40_000, info.PresentationTimeUs, "sample %d", i)
		assert.Equal(t, int64(40_000), info.DurationUs, "sample %d", i)
		assert.Equal(t, i%10 == 0, info.Key, "sample %d", i)
		assert.Equal(t, uint32(3), info.Size, "sample %d", i)

		data, err := in.ReadPacketData(ctx, info.Offset, info.Size)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x56, byte(i), byte(i + 1)}, data, "sample %d", i)
	}
}

func TestNonFragmentedTimestampSearch(t *testing.T) {
	ctx := context.Background()
	in, err := NewInput(ctx, iobuf.NewMemorySource(buildNonFragmentedFixture(t)))
	require.NoError(t, err)
	video := in.Tracks()[0]

	// Mid-frame query floors to the covering sample.
	info, err := video.GetSampleAtTimestamp(ctx, 250_000)
	require.NoError(t, err)
	assert.Equal(t, int64(240_000), info.PresentationTimeUs)

	// Key anchoring: the key at or before t, with no key in between.
	keyInfo, err := video.GetKeySampleAtTimestamp(ctx, 250_000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), keyInfo.PresentationTimeUs)
	assert.True(t, keyInfo.Key)

	keyInfo, err = video.GetKeySampleAtTimestamp(ctx, 990_000)
	require.NoError(t, err)
	assert.Equal(t, int64(800_000), keyInfo.PresentationTimeUs)

	// Monotone next.
	next, err := video.GetNextSample(ctx, info)
	require.NoError(t, err)
	assert.Greater(t, next.PresentationTimeUs, info.PresentationTimeUs)

	nextKey, err := video.GetNextKeySample(ctx, keyInfo)
	require.Error(t, err, "no key after the last one")
	_ = nextKey
}

func TestNonFragmentedAudioRoundTrip(t *testing.T) {
	ctx := context.Background()
	in, err := NewInput(ctx, iobuf.NewMemorySource(buildNonFragmentedFixture(t)))
	require.NoError(t, err)
	audio := in.Tracks()[1]

	n, err := audio.NumSamples(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	info, err := audio.GetFirstSample(ctx)
	require.NoError(t, err)
	for i := 0; ; i++ {
		assert.Equal(t, int64(i)*100_000, info.PresentationTimeUs)
		data, err := in.ReadPacketData(ctx, info.Offset, info.Size)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x41, byte(i)}, data)

		next, err := audio.GetNextSample(ctx, info)
		if err != nil {
			assert.Equal(t, 9, i)
			break
		}
		info = next
	}
}

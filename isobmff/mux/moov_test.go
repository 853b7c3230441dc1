package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/packet"
)

func TestMdatHeaderLenPromotesPastFourGiB(t *testing.T) {
	assert.Equal(t, int64(8), mdatHeaderLen(100))
	assert.Equal(t, int64(8), mdatHeaderLen(uint32Max-8))
	assert.Equal(t, int64(16), mdatHeaderLen(uint32Max-7))
	assert.Equal(t, int64(16), mdatHeaderLen(5<<30))
}

func TestAnyOffsetNeeds64Bit(t *testing.T) {
	tr := &OutputTrack{ID: 1}
	small := map[uint32][]int64{1: {100, 2_000_000, 1<<32 - 1}}
	assert.False(t, anyOffsetNeeds64Bit([]*OutputTrack{tr}, small))

	big := map[uint32][]int64{1: {100, 1 << 32}}
	assert.True(t, anyOffsetNeeds64Bit([]*OutputTrack{tr}, big))
}

func TestPredictOffsetsWalksTrackMajor(t *testing.T) {
	out := NewOutput(iobuf.NewMemoryTarget(), codec.FamilyMP4)
	a, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC})
	require.NoError(t, err)
	b, err := out.AddTrack(packet.Audio, 48000, codec.Config{Codec: codec.AAC})
	require.NoError(t, err)

	a.finalizedChunks = []*packet.Chunk{
		{Samples: []packet.Sample{{EncodedPacket: packet.EncodedPacket{Data: make([]byte, 10)}}}},
		{Samples: []packet.Sample{{EncodedPacket: packet.EncodedPacket{Data: make([]byte, 20)}}}},
	}
	b.finalizedChunks = []*packet.Chunk{
		{Samples: []packet.Sample{{EncodedPacket: packet.EncodedPacket{Data: make([]byte, 5)}}}},
	}

	offsets := predictOffsets(out, 1000)
	assert.Equal(t, []int64{1000, 1010}, offsets[a.ID])
	assert.Equal(t, []int64{1030}, offsets[b.ID])
}

func TestLanguageCodePacking(t *testing.T) {
	// "und" = 21,14,4 -> 0x55C4.
	assert.Equal(t, uint16(0x55c4), languageCode("und"))
	assert.Equal(t, uint16(0x55c4), languageCode(""))
	// "eng" = 5,14,7 -> 0x15C7.
	assert.Equal(t, uint16(0x15c7), languageCode("eng"))
}

func TestEstimateMoovSizeScalesWithChunks(t *testing.T) {
	tr := &OutputTrack{ID: 1}
	small := estimateMoovSize([]*OutputTrack{tr}, 10)
	large := estimateMoovSize([]*OutputTrack{tr}, 10_000)
	assert.Greater(t, large, small)
}

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "key", Key.String())
	assert.Equal(t, "delta", Delta.String())
}

func TestTrackKindString(t *testing.T) {
	assert.Equal(t, "video", Video.String())
	assert.Equal(t, "audio", Audio.String())
	assert.Equal(t, "subtitle", Subtitle.String())
	assert.Equal(t, "unknown", TrackKind(99).String())
}

func TestEncodedPacketIsKey(t *testing.T) {
	assert.True(t, EncodedPacket{Kind: Key}.IsKey())
	assert.False(t, EncodedPacket{Kind: Delta}.IsKey())
}

func TestChunkDurationUs(t *testing.T) {
	c := &Chunk{
		StartTimestampUs: 1000,
		Samples: []Sample{
			{EncodedPacket: EncodedPacket{TimestampUs: 1000, DurationUs: 200}},
			{EncodedPacket: EncodedPacket{TimestampUs: 1200, DurationUs: 300}},
		},
	}
	assert.Equal(t, int64(500), c.DurationUs())
}

func TestEmptyChunkDurationUs(t *testing.T) {
	c := &Chunk{StartTimestampUs: 500}
	assert.Equal(t, int64(0), c.DurationUs())
}

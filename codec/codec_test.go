package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tetsuo/mediabunny/packet"
)

func TestSupportsMatrix(t *testing.T) {
	assert.True(t, Supports(FamilyMP4, packet.Video, AVC))
	assert.False(t, Supports(FamilyMP4, packet.Video, MPEG4Part2))
	assert.True(t, Supports(FamilyQuickTime, packet.Video, MPEG4Part2))
	assert.True(t, Supports(FamilyMatroska, packet.Subtitle, ASS))
	assert.False(t, Supports(FamilyMP4, packet.Subtitle, ASS))
}

func TestSupportsUnknownFamily(t *testing.T) {
	assert.False(t, Supports(OutputFamily("nonexistent"), packet.Video, AVC))
}

func TestSupportsAVIHasNoSubtitles(t *testing.T) {
	assert.False(t, Supports(FamilyAVI, packet.Subtitle, WebVTT))
}

func TestMimeCodecSimpleCases(t *testing.T) {
	assert.Equal(t, "opus", MimeCodec(Config{Codec: Opus}))
	assert.Equal(t, "fLaC", MimeCodec(Config{Codec: FLAC}))
	assert.Equal(t, "wvtt", MimeCodec(Config{Codec: WebVTT}))
}

func TestMimeCodecAACFallsBackWithoutDescription(t *testing.T) {
	assert.Equal(t, "mp4a.40.2", MimeCodec(Config{Codec: AAC}))
}

func TestMimeCodecPCMMapsToIpcm(t *testing.T) {
	assert.Equal(t, "ipcm", MimeCodec(Config{Codec: PCM}))
}

func TestErrNoCodecsMessage(t *testing.T) {
	err := ErrNoCodecs(FamilyAVI, packet.Subtitle)
	assert.ErrorContains(t, err, "avi")
	assert.ErrorContains(t, err, "subtitle")
}

func TestOutputFamilyString(t *testing.T) {
	assert.Equal(t, "mp4", FamilyMP4.String())
}

package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tetsuo/mediabunny/packet"
)

func TestOverlaps(t *testing.T) {
	assert.True(t, overlaps(1000, 500, 0, 2000))
	assert.False(t, overlaps(1000, 500, 0, 1000))
	assert.True(t, overlaps(900, 200, 0, 1000))
	assert.False(t, overlaps(2000, 500, 0, 1000))
}

func TestTrimGateNoWindowAdmitsEverything(t *testing.T) {
	gate := newTrimGate(nil)

	ts, ok := gate.admit(packet.EncodedPacket{TimestampUs: 5000, DurationUs: 100})
	assert.True(t, ok)
	assert.Equal(t, int64(5000), ts)
}

func TestTrimGateRebasesToFirstRetainedPacket(t *testing.T) {
	window := &TrimWindow{StartUs: 1000, EndUs: 5000}
	gate := newTrimGate(window)

	_, ok := gate.admit(packet.EncodedPacket{TimestampUs: 0, DurationUs: 500})
	assert.False(t, ok, "packet entirely before window is dropped")

	ts, ok := gate.admit(packet.EncodedPacket{TimestampUs: 1000, DurationUs: 200})
	assert.True(t, ok)
	assert.Equal(t, int64(0), ts, "first retained packet lands at 0")

	ts, ok = gate.admit(packet.EncodedPacket{TimestampUs: 1500, DurationUs: 200})
	assert.True(t, ok)
	assert.Equal(t, int64(500), ts)

	_, ok = gate.admit(packet.EncodedPacket{TimestampUs: 6000, DurationUs: 200})
	assert.False(t, ok, "packet entirely after window is dropped")
}

func TestTrimWindowStartTimestampUs(t *testing.T) {
	var w *TrimWindow
	assert.Equal(t, int64(0), w.startTimestampUs())

	w = &TrimWindow{StartUs: 2500}
	assert.Equal(t, int64(2500), w.startTimestampUs())
}

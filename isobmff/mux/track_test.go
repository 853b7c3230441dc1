package mux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

func newStreamingTestOutput(t *testing.T) (*Output, *OutputTrack, *iobuf.MemoryTarget) {
	t.Helper()
	tgt := iobuf.NewMemoryTarget()
	out := NewOutput(tgt, codec.FamilyMP4)
	tr, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC, Width: 320, Height: 240})
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	return out, tr, tgt
}

func pkt(kind packet.Kind, us, durUs int64) packet.EncodedPacket {
	return packet.EncodedPacket{Data: []byte{0xaa, 0xbb}, Kind: kind, TimestampUs: us, DurationUs: durUs}
}

func TestAddPacketRejectsNegativeTimestamp(t *testing.T) {
	_, tr, _ := newStreamingTestOutput(t)
	err := tr.AddPacket(pkt(packet.Key, -1, 0))
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.Malformed))
}

func TestAddPacketRejectsTimestampBeforeLastKey(t *testing.T) {
	_, tr, _ := newStreamingTestOutput(t)
	require.NoError(t, tr.AddPacket(pkt(packet.Key, 500_000, 40_000)))
	err := tr.AddPacket(pkt(packet.Delta, 400_000, 40_000))
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.Malformed))
}

func TestAddPacketBeforeStartIsNotReady(t *testing.T) {
	tgt := iobuf.NewMemoryTarget()
	out := NewOutput(tgt, codec.FamilyMP4)
	tr, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC})
	require.NoError(t, err)
	err = tr.AddPacket(pkt(packet.Key, 0, 0))
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.NotReady))
}

// TestDrainQueueRecoversDecodeOrder exercises the sort-and-zip DTS recovery:
// packets arrive in decode order with reordered presentation timestamps, and
// each sample must be assigned the corresponding rank of the sorted
// presentation ticks, keeping decode timestamps strictly increasing.
func TestDrainQueueRecoversDecodeOrder(t *testing.T) {
	_, tr, _ := newStreamingTestOutput(t)

	require.NoError(t, tr.AddPacket(pkt(packet.Key, 0, 40_000)))
	require.NoError(t, tr.AddPacket(pkt(packet.Delta, 120_000, 40_000)))
	require.NoError(t, tr.AddPacket(pkt(packet.Delta, 40_000, 40_000)))
	require.NoError(t, tr.AddPacket(pkt(packet.Delta, 80_000, 40_000)))
	require.NoError(t, tr.flushPending())

	var all []packet.Sample
	for _, c := range tr.finalizedChunks {
		all = append(all, c.Samples...)
	}
	if tr.currentChunk != nil {
		all = append(all, tr.currentChunk.Samples...)
	}
	require.Len(t, all, 4)

	// Decode ticks are the sorted presentation ticks, zipped back in
	// arrival order.
	assert.Equal(t, int64(0), all[0].DecodeTimestamp)
	assert.Equal(t, int64(40), all[1].DecodeTimestamp)
	assert.Equal(t, int64(80), all[2].DecodeTimestamp)
	assert.Equal(t, int64(120), all[3].DecodeTimestamp)

	// Arrival order is preserved: sample 1 still carries pts 120ms.
	assert.Equal(t, int64(120_000), all[1].TimestampUs)
}

// TestFlushPendingEmitsFinalSampleDuration verifies the finalize-time stts
// entry for the last sample: stts run counts must sum to the stsz sample
// count.
func TestFlushPendingEmitsFinalSampleDuration(t *testing.T) {
	_, tr, _ := newStreamingTestOutput(t)

	require.NoError(t, tr.AddPacket(pkt(packet.Key, 0, 40_000)))
	require.NoError(t, tr.AddPacket(pkt(packet.Delta, 40_000, 40_000)))
	require.NoError(t, tr.AddPacket(pkt(packet.Delta, 80_000, 40_000)))
	require.NoError(t, tr.flushPending())

	var sttsTotal int64
	for _, r := range tr.sttsRuns {
		sttsTotal += int64(r.Count)
	}
	assert.Equal(t, int64(3), sttsTotal)
	assert.Len(t, tr.sampleSizes, 3)

	// Uniform 40ms deltas at timescale 1000 collapse into one run of 40-tick
	// entries.
	require.Len(t, tr.sttsRuns, 1)
	assert.Equal(t, uint32(40), tr.sttsRuns[0].Duration)
}

func TestChunkClosesAtHalfSecond(t *testing.T) {
	out, tr, _ := newStreamingTestOutput(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, out.AddPacket(ctx, tr, pkt(packet.Key, int64(i)*100_000, 100_000)))
	}

	// Samples 0-4 span 500ms once sample 4's duration counts, closing the
	// first chunk; sample 5 opens the next one.
	require.Len(t, tr.finalizedChunks, 1)
	assert.Len(t, tr.finalizedChunks[0].Samples, 5)
	require.NotNil(t, tr.currentChunk)
	assert.Len(t, tr.currentChunk.Samples, 1)
}

func TestStscRunOnlyGrowsOnCountChange(t *testing.T) {
	_, tr, _ := newStreamingTestOutput(t)

	// Three chunks of identical sample counts must produce one stsc run.
	for c := 0; c < 3; c++ {
		for i := 0; i < 5; i++ {
			require.NoError(t, tr.AddPacket(pkt(packet.Key, int64(c*500_000+i*100_000), 100_000)))
		}
	}
	require.NoError(t, tr.flushPending())
	assert.Len(t, tr.stscRuns, 1)
	assert.Equal(t, uint32(5), tr.stscRuns[0].SamplesPerChunk)
}

func TestFinalizeTwiceIsNotReady(t *testing.T) {
	out, tr, _ := newStreamingTestOutput(t)
	ctx := context.Background()
	require.NoError(t, out.AddPacket(ctx, tr, pkt(packet.Key, 0, 40_000)))
	require.NoError(t, out.Finalize(ctx))
	err := out.Finalize(ctx)
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.NotReady))
}

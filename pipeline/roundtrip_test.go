package pipeline_test

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

type tuple struct {
	ptsUs int64
	key   bool
	data  string
}

func muxPackets(t *testing.T, pkts []packet.EncodedPacket) []byte {
	t.Helper()
	ctx := context.Background()
	tgt := iobuf.NewMemoryTarget()
	out := mux.NewOutput(tgt, codec.FamilyMP4)
	tr, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC, Width: 64, Height: 64})
	require.NoError(t, err)
	require.NoError(t, out.Start(ctx))
	for _, p := range pkts {
		require.NoError(t, out.AddPacket(ctx, tr, p))
	}
	require.NoError(t, out.Finalize(ctx))
	return tgt.Bytes()
}

func drainPackets(t *testing.T, raw []byte) []tuple {
	t.Helper()
	ctx := context.Background()
	in, err := demux.NewInput(ctx, iobuf.NewMemorySource(raw))
	require.NoError(t, err)
	require.Len(t, in.Tracks(), 1)

	sink := pipeline.NewEncodedPacketSink(in, in.Tracks()[0])
	it := sink.Packets(ctx)
	defer it.Return()

	var out []tuple
	for {
		pkt, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, tuple{ptsUs: pkt.TimestampUs, key: pkt.IsKey(), data: string(pkt.Data)})
	}
}

func testPackets() []packet.EncodedPacket {
	var pkts []packet.EncodedPacket
	for i := 0; i < 30; i++ {
		kind := packet.Delta
		if i%10 == 0 {
			kind = packet.Key
		}
		pkts = append(pkts, packet.EncodedPacket{
			Data:        []byte{byte(i), byte(i * 3)},
			Kind:        kind,
			TimestampUs: int64(i) * 40_000,
			DurationUs:  40_000,
		})
	}
	return pkts
}

// TestPacketRoundTrip drives the full mux -> demux -> remux -> demux cycle:
// the tuple sequence surviving the second pass must equal the first's.
func TestPacketRoundTrip(t *testing.T) {
	first := drainPackets(t, muxPackets(t, testPackets()))
	require.Len(t, first, 30)

	remuxed := make([]packet.EncodedPacket, 0, len(first))
	for _, tp := range first {
		kind := packet.Delta
		if tp.key {
			kind = packet.Key
		}
		remuxed = append(remuxed, packet.EncodedPacket{
			Data: []byte(tp.data), Kind: kind, TimestampUs: tp.ptsUs, DurationUs: 40_000,
		})
	}
	second := drainPackets(t, muxPackets(t, remuxed))
	assert.Equal(t, first, second)
}

func TestPacketsEndTimestampStopsEarly(t *testing.T) {
	ctx := context.Background()
	in, err := demux.NewInput(ctx, iobuf.NewMemorySource(muxPackets(t, testPackets())))
	require.NoError(t, err)
	sink := pipeline.NewEncodedPacketSink(in, in.Tracks()[0])

	it := sink.Packets(ctx, pipeline.WithEndTimestamp(400_000))
	defer it.Return()

	var count int
	for {
		pkt, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Less(t, pkt.TimestampUs, int64(400_000))
		count++
	}
	assert.Equal(t, 10, count)
}

func TestGetKeyAtTimestampAnchors(t *testing.T) {
	ctx := context.Background()
	in, err := demux.NewInput(ctx, iobuf.NewMemorySource(muxPackets(t, testPackets())))
	require.NoError(t, err)
	sink := pipeline.NewEncodedPacketSink(in, in.Tracks()[0])

	pkt, err := sink.GetKeyAtTimestamp(ctx, 700_000)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), pkt.TimestampUs)
	assert.True(t, pkt.IsKey())

	next, err := sink.GetNextKey(ctx, pkt)
	require.NoError(t, err)
	assert.Equal(t, int64(800_000), next.TimestampUs)
}

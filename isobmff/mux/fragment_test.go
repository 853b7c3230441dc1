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

func newFragmentedTestOutput(t *testing.T) (*Output, *OutputTrack) {
	t.Helper()
	tgt := iobuf.NewMemoryTarget()
	out := NewOutput(tgt, codec.FamilyMP4, WithFastStart(FastStartFragmented))
	tr, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC, Width: 640, Height: 480})
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	return out, tr
}

func keyPacket(us int64) packet.EncodedPacket {
	return packet.EncodedPacket{Data: []byte{0x01}, Kind: packet.Key, TimestampUs: us}
}

func deltaPacket(us int64) packet.EncodedPacket {
	return packet.EncodedPacket{Data: []byte{0x02}, Kind: packet.Delta, TimestampUs: us}
}

// TestAddFragmentedPacketClosesBeforeMergingKey is a regression test for the
// fragment-closing ordering: maybeCloseFragment must only ever see the
// samples buffered before the arriving key, never the key itself.
func TestAddFragmentedPacketClosesBeforeMergingKey(t *testing.T) {
	ctx := context.Background()
	out, tr := newFragmentedTestOutput(t)

	// key0 opens the fragment; key1 resolves the two deltas' decode order
	// and, once merged, brings the buffered span to 1.1s, past the 1s
	// threshold; the next key's arrival is the one that triggers the close.
	require.NoError(t, out.AddPacket(ctx, tr, keyPacket(0)))
	require.NoError(t, out.AddPacket(ctx, tr, deltaPacket(300_000)))
	require.NoError(t, out.AddPacket(ctx, tr, deltaPacket(600_000)))
	require.NoError(t, out.AddPacket(ctx, tr, keyPacket(1_100_000)))

	// At this point key1 was merged into fragPending (no close happened
	// yet: key0/delta/delta only spans 600ms, under the 1s threshold).
	require.Len(t, tr.fragPending, 4)

	// key2 arrives after the fragment has accumulated >= 1s. The close must
	// happen against fragPending as it stood before key2 is merged in, so
	// fragPending afterward holds only key2.
	require.NoError(t, out.AddPacket(ctx, tr, keyPacket(1_800_000)))

	require.Len(t, tr.fragPending, 1)
	require.Equal(t, int64(1_800_000), tr.fragPending[0].TimestampUs)
	require.True(t, tr.fragPending[0].IsKey())
}

// TestAddFragmentedPacketRejectsTimestampBeforeLastKey mirrors the
// non-fragmented admission check: a key packet resets the allowed minimum,
// so no later packet may present before it.
func TestAddFragmentedPacketRejectsTimestampBeforeLastKey(t *testing.T) {
	ctx := context.Background()
	out, tr := newFragmentedTestOutput(t)

	require.NoError(t, out.AddPacket(ctx, tr, keyPacket(500_000)))
	err := out.AddPacket(ctx, tr, deltaPacket(400_000))
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.Malformed))
}

// TestFinalizeFragmentedFlushesTrailingFragment exercises finalize-time
// draining of a fragment that never crossed the duration threshold.
func TestFinalizeFragmentedFlushesTrailingFragment(t *testing.T) {
	ctx := context.Background()
	out, tr := newFragmentedTestOutput(t)

	require.NoError(t, out.AddPacket(ctx, tr, keyPacket(0)))
	require.NoError(t, out.AddPacket(ctx, tr, deltaPacket(200_000)))
	require.NoError(t, out.Finalize(ctx))

	require.Equal(t, StateFinalized, out.State())
	require.Empty(t, tr.fragPending)
	require.Len(t, tr.tfraEntries, 1)
}

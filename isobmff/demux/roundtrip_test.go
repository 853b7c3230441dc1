package demux

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/iobuf"
	"github.com/tetsuo/mediabunny/isobmff/mux"
	"github.com/tetsuo/mediabunny/packet"
)

func key(us int64) packet.EncodedPacket {
	return packet.EncodedPacket{Data: []byte{0x01, 0x02, 0x03}, Kind: packet.Key, TimestampUs: us}
}

func delta(us int64) packet.EncodedPacket {
	return packet.EncodedPacket{Data: []byte{0x04, 0x05}, Kind: packet.Delta, TimestampUs: us}
}

// buildFragmentedFixture writes a two-fragment file: the first fragment
// closes on key2's arrival (key0/delta/delta spans >= 1s once key1 is
// merged), the second is whatever's left at finalize.
func buildFragmentedFixture(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	tgt := iobuf.NewMemoryTarget()
	out := mux.NewOutput(tgt, codec.FamilyMP4, mux.WithFastStart(mux.FastStartFragmented))
	tr, err := out.AddTrack(packet.Video, 1000, codec.Config{Codec: codec.AVC, Width: 320, Height: 240})
	require.NoError(t, err)
	require.NoError(t, out.Start(ctx))

	require.NoError(t, out.AddPacket(ctx, tr, key(0)))
	require.NoError(t, out.AddPacket(ctx, tr, delta(300_000)))
	require.NoError(t, out.AddPacket(ctx, tr, delta(600_000)))
	require.NoError(t, out.AddPacket(ctx, tr, key(1_100_000)))
	require.NoError(t, out.AddPacket(ctx, tr, key(1_800_000)))
	require.NoError(t, out.Finalize(ctx))

	return tgt.Bytes()
}

// TestFragmentedRoundTripFirstSampleOfEachFragmentIsKey regression-tests the
// fragment-closing fix: every fragment's first buffered sample must be the
// key that opened it, never swept into the fragment that closed just before
// it arrived.
func TestFragmentedRoundTripFirstSampleOfEachFragmentIsKey(t *testing.T) {
	ctx := context.Background()
	raw := buildFragmentedFixture(t)

	in, err := NewInput(ctx, iobuf.NewMemorySource(raw))
	require.NoError(t, err)
	require.True(t, in.fragmented)
	require.Len(t, in.tracks, 1)
	track := in.tracks[0]

	first, err := in.locateNextMoof(ctx, 0)
	require.NoError(t, err)
	frag1, err := in.readFragment(ctx, first)
	require.NoError(t, err)

	second, err := in.locateNextMoof(ctx, first+1)
	require.NoError(t, err)
	frag2, err := in.readFragment(ctx, second)
	require.NoError(t, err)

	td1 := frag1.Tracks[track.ID]
	require.NotNil(t, td1)
	require.Len(t, td1.Samples, 4)
	require.True(t, td1.Samples[0].Key)

	td2 := frag2.Tracks[track.ID]
	require.NotNil(t, td2)
	require.Len(t, td2.Samples, 1)
	require.True(t, td2.Samples[0].Key)
	require.Equal(t, int64(1_800_000), td2.Samples[0].PresentationTimeUs)
}

// TestResolveBaseDecodeTickWithoutTfdt regression-tests the
// tfdt-absent fallback: a traf with no tfdt child must resolve its base
// decode tick by walking preceding fragments and chaining their end decode
// ticks, not default to 0. The second fragment's tfdt box type is
// byte-patched to "skip" (same length, so offsets and box sizes are
// untouched) so traf.Child(TypeTfdt) no longer finds it, and the trailing
// mfra table is stripped so the lookup-table branch can't short-circuit the
// walk either.
func TestResolveBaseDecodeTickWithoutTfdt(t *testing.T) {
	ctx := context.Background()
	raw := buildFragmentedFixture(t)

	mfraIdx := bytes.Index(raw, []byte("mfra"))
	require.Greater(t, mfraIdx, 4, "fixture must carry a trailing mfra box")
	truncated := append([]byte(nil), raw[:mfraIdx-4]...)

	tfdtOccurrences := findAll(truncated, []byte("tfdt"))
	require.Len(t, tfdtOccurrences, 2, "one tfdt per fragment")
	secondTfdt := tfdtOccurrences[1]
	copy(truncated[secondTfdt:secondTfdt+4], "skip")

	in, err := NewInput(ctx, iobuf.NewMemorySource(truncated))
	require.NoError(t, err)
	require.Empty(t, in.fragmentLookup[1], "mfra was stripped; lookup table must be empty")

	track := in.trackByID(1)
	require.NotNil(t, track)

	firstOffset, err := in.locateNextMoof(ctx, 0)
	require.NoError(t, err)
	frag1, err := in.readFragment(ctx, firstOffset)
	require.NoError(t, err)
	want := frag1.Tracks[track.ID].EndDecodeTick
	require.NotZero(t, want)

	secondOffset, err := in.locateNextMoof(ctx, firstOffset+1)
	require.NoError(t, err)
	got, err := in.resolveBaseDecodeTick(ctx, track, secondOffset)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NotZero(t, got)
}

func findAll(haystack, needle []byte) []int {
	var out []int
	start := 0
	for {
		i := bytes.Index(haystack[start:], needle)
		if i < 0 {
			return out
		}
		out = append(out, start+i)
		start += i + 1
	}
}

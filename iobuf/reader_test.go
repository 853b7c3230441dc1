package iobuf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/mberrors"
)

func seqBuf(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func TestReaderLoadRangeAndPositionedReads(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource(seqBuf(64)), 1<<20)

	require.NoError(t, r.LoadRange(ctx, 0, 16))
	r.Seek(0)

	v8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), v8)

	v16, err := r.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), v16)

	v24, err := r.ReadU24()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x030405), v24)

	v32, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x06070809), v32)

	assert.Equal(t, int64(10), r.Pos())
}

func TestReaderReadOutsideLoadedRangeIsInternal(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource(seqBuf(64)), 1<<20)
	require.NoError(t, r.LoadRange(ctx, 0, 8))

	r.Seek(32)
	_, err := r.ReadU32()
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.Internal))

	// A read straddling the end of a loaded range must also fail.
	r.Seek(6)
	_, err = r.ReadU32()
	require.Error(t, err)
	assert.True(t, mberrors.Is(err, mberrors.Internal))
}

func TestReaderCoalescesOverlappingRanges(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource(seqBuf(64)), 1<<20)

	require.NoError(t, r.LoadRange(ctx, 0, 16))
	require.NoError(t, r.LoadRange(ctx, 8, 32))
	require.Len(t, r.ranges, 1)
	assert.Equal(t, int64(0), r.ranges[0].start)
	assert.Equal(t, int64(32), r.ranges[0].end)

	// Bytes across the seam must read contiguously.
	r.Seek(14)
	b, err := r.ReadBytes(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{14, 15, 16, 17}, b)
}

func TestReaderForgetRangeTrimsPartialOverlap(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource(seqBuf(64)), 1<<20)
	require.NoError(t, r.LoadRange(ctx, 0, 32))

	r.ForgetRange(8, 16)
	require.Len(t, r.ranges, 2)

	r.Seek(4)
	_, err := r.ReadU32()
	require.NoError(t, err)

	r.Seek(8)
	_, err = r.ReadU32()
	require.Error(t, err)

	r.Seek(16)
	_, err = r.ReadU32()
	require.NoError(t, err)
}

func TestReaderEvictsLeastRecentlyUsedPastBudget(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource(seqBuf(256)), 64)

	require.NoError(t, r.LoadRange(ctx, 0, 48))
	require.NoError(t, r.LoadRange(ctx, 128, 176))

	// The second load pushed the cache to 96 bytes; the older range is the
	// eviction victim.
	assert.Nil(t, r.findRange(0))
	assert.NotNil(t, r.findRange(128))
}

func TestReaderPinBlocksEviction(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource(seqBuf(256)), 64)

	require.NoError(t, r.LoadRange(ctx, 0, 48))
	r.Pin(0, 48)
	require.NoError(t, r.LoadRange(ctx, 128, 176))

	assert.NotNil(t, r.findRange(0), "pinned range must survive eviction")

	r.Unpin(0, 48)
	require.NoError(t, r.LoadRange(ctx, 200, 248))
	assert.Nil(t, r.findRange(0))
}

func TestReaderASCIIStopsAtNul(t *testing.T) {
	ctx := context.Background()
	r := NewReader(NewMemorySource([]byte("vide\x00junk")), 1<<20)
	require.NoError(t, r.LoadRange(ctx, 0, 9))
	r.Seek(0)
	s, err := r.ReadASCII(9)
	require.NoError(t, err)
	assert.Equal(t, "vide", s)
}

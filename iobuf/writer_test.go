package iobuf

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAppendsAndTracksPosition(t *testing.T) {
	ctx := context.Background()
	tgt := NewMemoryTarget()
	w := NewWriter(tgt)

	require.NoError(t, w.Write(ctx, []byte("ab")))
	require.NoError(t, w.WriteU32(ctx, 0xdeadbeef))
	assert.Equal(t, int64(6), w.Position())

	require.NoError(t, w.Finalize(ctx))
	got := tgt.Bytes()
	assert.Equal(t, []byte("ab"), got[:2])
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(got[2:6]))
}

func TestWriterPatchRestoresPosition(t *testing.T) {
	ctx := context.Background()
	tgt := NewMemoryTarget()
	w := NewWriter(tgt)

	require.NoError(t, w.WriteU32(ctx, 0)) // placeholder
	require.NoError(t, w.Write(ctx, []byte("mdat")))
	require.NoError(t, w.WriteZeros(ctx, 8))

	require.NoError(t, w.PatchUint32At(ctx, 0, 16))
	assert.Equal(t, int64(16), w.Position())

	require.NoError(t, w.Write(ctx, []byte("tail")))
	got := tgt.Bytes()
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(got[:4]))
	assert.Equal(t, []byte("tail"), got[16:20])
}

func TestWriterPatchUint64(t *testing.T) {
	ctx := context.Background()
	tgt := NewMemoryTarget()
	w := NewWriter(tgt)

	require.NoError(t, w.WriteZeros(ctx, 16))
	require.NoError(t, w.PatchUint64At(ctx, 8, 1<<33))

	got := tgt.Bytes()
	assert.Equal(t, uint64(1<<33), binary.BigEndian.Uint64(got[8:16]))
}

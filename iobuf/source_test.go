package iobuf

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/mberrors"
)

func TestMemorySourceReadRange(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource([]byte("hello world"))

	size, err := src.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	data, err := src.ReadRange(ctx, 6, 11)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestMemorySourceReadRangeOutOfBounds(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource([]byte("abc"))

	_, err := src.ReadRange(ctx, 1, 10)
	assert.True(t, mberrors.Is(err, mberrors.ReadFailed))
}

func TestMemoryTargetWriteSeekFinalize(t *testing.T) {
	ctx := context.Background()
	tgt := NewMemoryTarget()

	require.NoError(t, tgt.Write(ctx, []byte("0123456789")))
	assert.Equal(t, int64(10), tgt.Position())

	require.NoError(t, tgt.Seek(ctx, 2))
	require.NoError(t, tgt.Write(ctx, []byte("XY")))
	assert.Equal(t, "01XY456789", string(tgt.Bytes()))

	require.NoError(t, tgt.Finalize(ctx))
	assert.Error(t, tgt.Write(ctx, []byte("z")))
}

func TestMemoryTargetCancelClearsContent(t *testing.T) {
	ctx := context.Background()
	tgt := NewMemoryTarget()
	require.NoError(t, tgt.Write(ctx, []byte("data")))

	require.NoError(t, tgt.Cancel(ctx))
	assert.Empty(t, tgt.Bytes())
}

func TestFileSourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, err := os.CreateTemp(t.TempDir(), "iobuf-*.bin")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("file contents"))
	require.NoError(t, err)

	src := NewFileSource(f)
	size, err := src.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(13), size)

	data, err := src.ReadRange(ctx, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "file", string(data))
}

func TestFileTargetCancelUnsupported(t *testing.T) {
	ctx := context.Background()
	f, err := os.CreateTemp(t.TempDir(), "iobuf-*.bin")
	require.NoError(t, err)
	defer f.Close()

	tgt := NewFileTarget(f)
	err = tgt.Cancel(ctx)
	assert.ErrorContains(t, err, "truncate")
}

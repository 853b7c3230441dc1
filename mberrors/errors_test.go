package mberrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(Malformed, "box %s too short", "tkhd")
	assert.Equal(t, "malformed: box tkhd too short", err.Error())
	assert.Nil(t, err.Cause)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(ReadFailed, cause, "reading moov")

	assert.Equal(t, "read failed: reading moov: short read", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsMatchesKind(t *testing.T) {
	err := New(NotReady, "start called twice")

	assert.True(t, Is(err, NotReady))
	assert.False(t, Is(err, Malformed))
	assert.True(t, errors.Is(err, NotReady))
}

func TestOfReportsKind(t *testing.T) {
	err := New(Cancelled, "iterator cancelled")

	kind, ok := Of(err)
	require.True(t, ok)
	assert.Equal(t, Cancelled, kind)

	_, ok = Of(errors.New("plain error"))
	assert.False(t, ok)
}

func TestWrapChainsThroughStdlibErrors(t *testing.T) {
	inner := New(ReadFailed, "truncated source")
	outer := Wrap(Malformed, inner, "parsing stbl")

	assert.True(t, errors.Is(outer, Malformed))
	assert.True(t, errors.Is(outer, ReadFailed))
}

package isobmff

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func TestStszIterVariableSizes(t *testing.T) {
	body := append(u32be(0), u32be(3)...) // sampleSize=0 (variable), count=3
	body = append(body, u32be(10)...)
	body = append(body, u32be(20)...)
	body = append(body, u32be(30)...)

	it := NewStszIter(body)
	assert.Equal(t, uint32(3), it.Count())
	_, constant := it.ConstantSize()
	assert.False(t, constant)

	var got []uint32
	for {
		size, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, size)
	}
	assert.Equal(t, []uint32{10, 20, 30}, got)

	size, ok := it.At(1)
	require.True(t, ok)
	assert.Equal(t, uint32(20), size)
}

func TestStszIterConstantSize(t *testing.T) {
	body := append(u32be(188), u32be(5)...)
	it := NewStszIter(body)
	size, ok := it.ConstantSize()
	require.True(t, ok)
	assert.Equal(t, uint32(188), size)

	s, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(188), s)
}

func TestAllSttsEntries(t *testing.T) {
	body := append(u32be(2), u32be(24)...) // count=2, run1.count=24
	body = append(body, u32be(1000)...)    // run1.duration=1000
	body = append(body, u32be(1)...)       // run2.count=1
	body = append(body, u32be(500)...)     // run2.duration=500

	entries := AllSttsEntries(body)
	require.Len(t, entries, 2)
	assert.Equal(t, SttsEntry{Count: 24, Duration: 1000}, entries[0])
	assert.Equal(t, SttsEntry{Count: 1, Duration: 500}, entries[1])
}

func TestStszIterEmptyBuffer(t *testing.T) {
	it := NewStszIter(nil)
	assert.Equal(t, uint32(0), it.Count())
	_, ok := it.Next()
	assert.False(t, ok)
}

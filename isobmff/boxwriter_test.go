package isobmff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotationFromMatrixRoundTrip(t *testing.T) {
	for _, degrees := range []int{0, 90, 180, 270} {
		m := IdentityMatrix(degrees)
		assert.Equal(t, degrees, RotationFromMatrix(m))
	}
}

func TestRotationFromMatrixUnrecognizedIsZero(t *testing.T) {
	var m [36]byte
	be.PutUint32(m[0:4], 0x00008000) // arbitrary non-axis-aligned scale term
	assert.Equal(t, 0, RotationFromMatrix(m))
}

func TestBoxTypeStringAndFrom(t *testing.T) {
	tp := BoxTypeFrom("moov")
	assert.Equal(t, "moov", tp.String())
	assert.Equal(t, TypeMoov, tp)
}

func TestEndBoxPatchesNestedSizes(t *testing.T) {
	w := NewBoxWriter()
	w.StartBox(TypeMoov)
	w.StartBox(TypeTrak)
	w.WriteUint32(0x11223344)
	w.EndBox()
	w.EndBox()

	b := w.Bytes()
	assert.Len(t, b, 20)
	assert.Equal(t, uint32(20), be.Uint32(b[0:4]))
	assert.Equal(t, "moov", string(b[4:8]))
	assert.Equal(t, uint32(12), be.Uint32(b[8:12]))
	assert.Equal(t, "trak", string(b[12:16]))
}

func TestWriteFtypBrandLayout(t *testing.T) {
	w := NewBoxWriter()
	w.WriteFtyp(BoxTypeFrom("isom"), 0, []BoxType{BoxTypeFrom("mp41"), BoxTypeFrom("avc1")})

	b := w.Bytes()
	assert.Equal(t, uint32(24), be.Uint32(b[0:4]))
	assert.Equal(t, "ftyp", string(b[4:8]))
	assert.Equal(t, "isom", string(b[8:12]))
	assert.Equal(t, uint32(0), be.Uint32(b[12:16]))
	assert.Equal(t, "mp41", string(b[16:20]))
	assert.Equal(t, "avc1", string(b[20:24]))
}

func TestWriteDOpsPreSkipAtByteTen(t *testing.T) {
	w := NewBoxWriter()
	w.WriteDOps(2, 312, 48000, 0, 0)

	b := w.Bytes()
	assert.Equal(t, "dOps", string(b[4:8]))
	assert.Equal(t, uint16(312), be.Uint16(b[10:12]))
	assert.Equal(t, uint32(48000), be.Uint32(b[12:16]))
}

func TestWriteVpcCDerivedByte(t *testing.T) {
	w := NewBoxWriter()
	w.WriteVpcC(2, 31, 10, 1, true, 9, 16, 9)

	b := w.Bytes()
	assert.Equal(t, "vpcC", string(b[4:8]))
	assert.Equal(t, uint8(1), b[8], "vpcC version must be 1")
	assert.Equal(t, uint8(2), b[12])
	assert.Equal(t, uint8(31), b[13])
	// bitDepth 10 << 4 | chroma 1 << 1 | fullRange 1 = 0xa3.
	assert.Equal(t, uint8(0xa3), b[14])
}

func TestWriteAv1CMarkerByte(t *testing.T) {
	w := NewBoxWriter()
	w.WriteAv1C(0, 8, false, false, false, false, true, true, 0, nil)
	b := w.Bytes()
	assert.Equal(t, "av1C", string(b[4:8]))
	assert.Equal(t, uint8(0x81), b[8])
}

func TestWriteEsdsDescriptorLengths(t *testing.T) {
	dsi := []byte{0x12, 0x10}
	w := NewBoxWriter()
	w.WriteEsds(1, 0x40, dsi, 0, 0)

	b := w.Bytes()
	assert.Equal(t, "esds", string(b[4:8]))
	body := b[12:] // past header and version/flags

	require.Equal(t, uint8(0x03), body[0])
	esLen := int(body[1])
	assert.Len(t, body, 2+esLen, "ES descriptor length must cover the rest of the payload")

	assert.Equal(t, "40.2", ReadEsdsCodec(body))
	assert.Equal(t, dsi, DecoderSpecificInfo(body))
}

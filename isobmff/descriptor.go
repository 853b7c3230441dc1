package isobmff

import (
	"strconv"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/av1"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ReadEsdsCodec extracts the MIME codec string from esds box data. It walks
// the MPEG-4 descriptor chain to find the OTI (Object Type Indication) and,
// for audio, the audio object type nibble. Returns a string like "40.2" for
// AAC-LC, or just the OTI ("40") when no DecoderSpecificInfo is present.
func ReadEsdsCodec(data []byte) string {
	if len(data) < 2 {
		return ""
	}

	ptr, end := 0, len(data)
	if data[ptr] != 0x03 { // ESDescriptor
		return ""
	}
	ptr++

	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr+3 > end {
		return ""
	}

	flags := data[ptr+2]
	ptr += 3

	if flags&0x80 != 0 { // streamDependenceFlag
		ptr += 2
	}
	if flags&0x40 != 0 { // URL_Flag
		if ptr >= end {
			return ""
		}
		urlLen := int(data[ptr])
		ptr += 1 + urlLen
	}
	if flags&0x20 != 0 { // OCRstreamFlag
		ptr += 2
	}
	if ptr >= end {
		return ""
	}

	if data[ptr] != 0x04 { // DecoderConfigDescriptor
		return ""
	}
	ptr++
	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr+13 > end {
		return ""
	}

	oti := data[ptr]
	if oti == 0 {
		return ""
	}
	otiStr := hexByte(oti)

	ptr += 13 // OTI(1)+streamType(1)+bufferSizeDB(3)+maxBitrate(4)+avgBitrate(4)

	if ptr >= end || data[ptr] != 0x05 { // DecoderSpecificInfo
		return otiStr
	}
	ptr++
	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr >= end {
		return otiStr
	}

	audioConfig := (data[ptr] & 0xf8) >> 3
	if audioConfig == 0 {
		return otiStr
	}
	return otiStr + "." + strconv.Itoa(int(audioConfig))
}

// DecoderSpecificInfo returns the raw DecoderSpecificInfo payload of an esds
// box (the AudioSpecificConfig, for AAC), or nil if absent.
func DecoderSpecificInfo(data []byte) []byte {
	ptr, end := 0, len(data)
	if ptr >= end || data[ptr] != 0x03 {
		return nil
	}
	ptr++
	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr+3 > end {
		return nil
	}
	flags := data[ptr+2]
	ptr += 3
	if flags&0x80 != 0 {
		ptr += 2
	}
	if flags&0x40 != 0 {
		if ptr >= end {
			return nil
		}
		ptr += 1 + int(data[ptr])
	}
	if flags&0x20 != 0 {
		ptr += 2
	}
	if ptr >= end || data[ptr] != 0x04 {
		return nil
	}
	ptr++
	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr+13 > end {
		return nil
	}
	ptr += 13
	if ptr >= end || data[ptr] != 0x05 {
		return nil
	}
	ptr++
	dsiLen := 0
	lenStart := ptr
	for ptr < end {
		b := data[ptr]
		ptr++
		dsiLen = dsiLen<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	_ = lenStart
	if ptr+dsiLen > end {
		return nil
	}
	return data[ptr : ptr+dsiLen]
}

// skipDescriptorLength skips the variable-length descriptor length field.
// Returns the new position, or -1 on error.
func skipDescriptorLength(data []byte, ptr, end int) int {
	for ptr < end {
		b := data[ptr]
		ptr++
		if b&0x80 == 0 {
			return ptr
		}
	}
	return -1
}

const hexChars = "0123456789abcdef"

func hexDigit(b byte) byte { return hexChars[b&0x0f] }

func hexByte(b byte) string {
	if b < 16 {
		return string(hexDigit(b))
	}
	var buf [2]byte
	buf[0] = hexDigit(b >> 4)
	buf[1] = hexDigit(b & 0x0f)
	return string(buf[:])
}

func hex6(a, b, c byte) string {
	var buf [6]byte
	buf[0] = hexDigit(a >> 4)
	buf[1] = hexDigit(a & 0x0f)
	buf[2] = hexDigit(b >> 4)
	buf[3] = hexDigit(b & 0x0f)
	buf[4] = hexDigit(c >> 4)
	buf[5] = hexDigit(c & 0x0f)
	return string(buf[:])
}

// ReadAvcC extracts the profile/constraint/level byte triplet from avcC box
// data as a hex string, e.g. "64001f", for use as the trailing MIME codec
// parameter of "avc1.64001f".
func ReadAvcC(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	return hex6(data[1], data[2], data[3])
}

// ReadHvcCProfileTierLevel extracts the MIME codec parameter string from
// hvcC box data, following ISO/IEC 14496-15's general_profile_space /
// general_tier_flag / general_profile_idc / compatibility flags / level
// layout. Returns e.g. "1.4.L120.B0".
func ReadHvcCProfileTierLevel(data []byte) string {
	if len(data) < 13 {
		return ""
	}
	generalProfileSpace := (data[1] >> 6) & 0x03
	generalTierFlag := (data[1] >> 5) & 0x01
	generalProfileIDC := data[1] & 0x1f
	compat := be.Uint32(data[2:6])
	constraint := data[6:12]
	levelIDC := data[12]

	var profileSpace string
	switch generalProfileSpace {
	case 1:
		profileSpace = "A"
	case 2:
		profileSpace = "B"
	case 3:
		profileSpace = "C"
	}

	tier := "L"
	if generalTierFlag == 1 {
		tier = "H"
	}

	hasNonZeroConstraint := false
	for i := len(constraint) - 1; i >= 0; i-- {
		if constraint[i] != 0 {
			hasNonZeroConstraint = true
			break
		}
	}
	constraintStr := ""
	if hasNonZeroConstraint {
		last := 0
		for i, c := range constraint {
			if c != 0 {
				last = i
			}
		}
		for i := 0; i <= last; i++ {
			constraintStr += "." + strings.ToUpper(hexByte(constraint[i]))
		}
	}

	out := profileSpace + strconv.Itoa(int(generalProfileIDC)) + "." +
		reverseHex32(compat) + "." + tier + strconv.Itoa(int(levelIDC)) + constraintStr
	return out
}

func reverseHex32(v uint32) string {
	var r uint32
	for i := 0; i < 32; i++ {
		r = r<<1 | (v & 1)
		v >>= 1
	}
	return strconv.FormatUint(uint64(r), 16)
}

// ReadVpcCCodec extracts the MIME codec parameter string from vpcC box
// data: "<profile>.<level>.<bitDepth>".
func ReadVpcCCodec(data []byte) string {
	if len(data) < 8 {
		return ""
	}
	profile := data[4]
	level := data[5]
	bitDepth := (data[6] >> 4) & 0x0f
	return strconv.Itoa(int(profile)) + "." + pad2(level) + "." + pad2(bitDepth)
}

// ReadVpcCParams extracts the raw vpcC codec parameters so a copied
// VP8/VP9 track can forward its
// source box's profile/level/bitDepth/chroma/range/color values verbatim
// instead of substituting placeholder ones.
func ReadVpcCParams(data []byte) (profile, level, bitDepth, chromaSubsampling uint8, fullRange bool, colorPrimaries, transferChar, matrixCoeffs uint8) {
	if len(data) < 10 {
		return
	}
	profile = data[4]
	level = data[5]
	bitDepth = (data[6] >> 4) & 0x0f
	chromaSubsampling = (data[6] >> 1) & 0x07
	fullRange = data[6]&0x01 != 0
	colorPrimaries = data[7]
	transferChar = data[8]
	matrixCoeffs = data[9]
	return
}

func pad2(v byte) string {
	s := strconv.Itoa(int(v))
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// ReadAv1CCodec extracts the MIME codec parameter string from av1C box
// data: "<profile>.<level><tier>.<bitDepth>".
func ReadAv1CCodec(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	profile := (data[1] >> 5) & 0x07
	level := data[1] & 0x1f
	tier := "M"
	if (data[2]>>7)&0x01 == 1 {
		tier = "H"
	}
	bitDepth := 8
	if (data[2]>>6)&0x01 == 1 {
		bitDepth = 10
		if (data[2]>>5)&0x01 == 1 {
			bitDepth = 12
		}
	}
	return strconv.Itoa(int(profile)) + "." + pad2(level) + tier + "." + pad2(byte(bitDepth))
}

// ExtractAVCSPS returns the first SPS NAL unit embedded in an avcC box's
// body, or nil if the box carries none.
func ExtractAVCSPS(data []byte) []byte {
	if len(data) < 6 {
		return nil
	}
	numSPS := int(data[5] & 0x1f)
	if numSPS == 0 {
		return nil
	}
	ptr := 6
	if ptr+2 > len(data) {
		return nil
	}
	spsLen := int(be.Uint16(data[ptr : ptr+2]))
	ptr += 2
	if spsLen == 0 || ptr+spsLen > len(data) {
		return nil
	}
	out := make([]byte, spsLen)
	copy(out, data[ptr:ptr+spsLen])
	return out
}

// ExtractHEVCSPS returns the first SPS NAL unit (nal_unit_type 33) embedded
// in an hvcC box's body, or nil if the box carries none.
func ExtractHEVCSPS(data []byte) []byte {
	if len(data) < 23 {
		return nil
	}
	numArrays := int(data[22])
	ptr := 23
	for i := 0; i < numArrays; i++ {
		if ptr+3 > len(data) {
			return nil
		}
		nalType := data[ptr] & 0x3f
		numNalus := int(be.Uint16(data[ptr+1 : ptr+3]))
		ptr += 3
		for j := 0; j < numNalus; j++ {
			if ptr+2 > len(data) {
				return nil
			}
			nalLen := int(be.Uint16(data[ptr : ptr+2]))
			ptr += 2
			if ptr+nalLen > len(data) {
				return nil
			}
			if nalType == 33 {
				out := make([]byte, nalLen)
				copy(out, data[ptr:ptr+nalLen])
				return out
			}
			ptr += nalLen
		}
	}
	return nil
}

// H264SPSDimensions parses an avcC box's first SPS NAL unit with mediacommon
// and reports the coded picture width and height. Used when a caller-supplied
// decoder config omits dimensions and they must be derived from the
// bitstream itself, rather than trusted to the track header's fixed-point
// width/height (which some encoders leave at zero for variable content).
func H264SPSDimensions(sps []byte) (width, height int, err error) {
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, err
	}
	return s.Width(), s.Height(), nil
}

// H265SPSDimensions is the HEVC counterpart of H264SPSDimensions.
func H265SPSDimensions(sps []byte) (width, height int, err error) {
	var s h265.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, err
	}
	return s.Width(), s.Height(), nil
}

// AV1SequenceHeader extracts the raw sequence header OBU from an AV1 access
// unit, for storage in the av1C configuration box. Returns nil if the
// access unit carries no sequence header OBU (common after the first one,
// since encoders typically repeat it only at keyframes or not at all).
func AV1SequenceHeader(accessUnit []byte) ([]byte, error) {
	var bs av1.Bitstream
	if err := bs.Unmarshal(accessUnit); err != nil {
		return nil, err
	}
	for _, obu := range bs {
		if len(obu) == 0 {
			continue
		}
		if av1.OBUType((obu[0]>>3)&0x0f) == av1.OBUTypeSequenceHeader {
			out := make([]byte, len(obu))
			copy(out, obu)
			return out, nil
		}
	}
	return nil, nil
}

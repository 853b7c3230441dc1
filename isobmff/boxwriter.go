package isobmff

// maxDepth limits the box writer's nesting stack; no ISOBMFF structure
// this muxer emits nests deeper.
const maxDepth = 16

type boxWriterFrame struct{ offset int }

// BoxWriter builds a subtree of ISOBMFF boxes into an in-memory buffer,
// growing it as needed. StartBox/StartFullBox push a size placeholder;
// EndBox patches it once the box's content (including nested boxes) has
// been written. Used for moov, moof, and other structures small enough to
// hold entirely in memory before handing the bytes to a Writer.
type BoxWriter struct {
	buf   []byte
	stack [maxDepth]boxWriterFrame
	depth int
}

// NewBoxWriter creates an empty BoxWriter.
func NewBoxWriter() *BoxWriter { return &BoxWriter{} }

// Bytes returns the written data.
func (w *BoxWriter) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *BoxWriter) Len() int { return len(w.buf) }

func (w *BoxWriter) u8(v byte)  { w.buf = append(w.buf, v) }
func (w *BoxWriter) u16(v uint16) {
	var b [2]byte
	be.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *BoxWriter) u24(v uint32) {
	w.buf = append(w.buf, byte(v>>16), byte(v>>8), byte(v))
}
func (w *BoxWriter) u32(v uint32) {
	var b [4]byte
	be.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *BoxWriter) u64(v uint64) {
	var b [8]byte
	be.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *BoxWriter) i32(v int32) { w.u32(uint32(v)) }
func (w *BoxWriter) zeros(n int) { w.buf = append(w.buf, make([]byte, n)...) }
func (w *BoxWriter) bytes(p []byte) { w.buf = append(w.buf, p...) }
func (w *BoxWriter) fixedString(s string, length int) {
	b := make([]byte, length)
	copy(b, s)
	w.buf = append(w.buf, b...)
}

// WriteUint32 appends a raw big-endian uint32 to the buffer without
// starting a box, for fixed fields (e.g. stsd's entry count) that precede a
// box's nested children.
func (w *BoxWriter) WriteUint32(v uint32) { w.u32(v) }

// WriteRaw appends p verbatim, for a caller-supplied box payload that
// should be copied through as-is (e.g. alac's magic cookie).
func (w *BoxWriter) WriteRaw(p []byte) { w.bytes(p) }

// StartBox begins a new box. Write content, then call EndBox.
func (w *BoxWriter) StartBox(t BoxType) {
	w.stack[w.depth] = boxWriterFrame{offset: len(w.buf)}
	w.depth++
	w.u32(0) // placeholder size
	w.bytes(t[:])
}

// StartFullBox begins a new full box with version and flags.
func (w *BoxWriter) StartFullBox(t BoxType, version uint8, flags uint32) {
	w.StartBox(t)
	w.u32(uint32(version)<<24 | flags&0x00ffffff)
}

// EndBox finishes the current box by backpatching its size. Uses a 64-bit
// extended size header if the box grew past the 32-bit size field's range.
func (w *BoxWriter) EndBox() {
	w.depth--
	f := w.stack[w.depth]
	size := uint64(len(w.buf) - f.offset)
	if size <= uint32Max {
		be.PutUint32(w.buf[f.offset:], uint32(size))
		return
	}
	// Grow the size field to a 64-bit largeSize header by splicing in 8
	// extra bytes after the original 4-byte size/type prefix is kept as
	// the signal value 1.
	extra := make([]byte, 8)
	be.PutUint64(extra, size+8)
	head := append([]byte{}, w.buf[f.offset+4:f.offset+8]...) // type
	rest := append([]byte{}, w.buf[f.offset+8:]...)
	out := w.buf[:f.offset]
	out = append(out, 0, 0, 0, 1)
	out = append(out, head...)
	out = append(out, extra...)
	out = append(out, rest...)
	w.buf = out
}

func (w *BoxWriter) WriteFtyp(brand BoxType, brandVersion uint32, compat []BoxType) {
	w.StartBox(TypeFtyp)
	w.bytes(brand[:])
	w.u32(brandVersion)
	for _, c := range compat {
		w.bytes(c[:])
	}
	w.EndBox()
}

func (w *BoxWriter) WriteStyp(brand BoxType, brandVersion uint32, compat []BoxType) {
	w.StartBox(TypeStyp)
	w.bytes(brand[:])
	w.u32(brandVersion)
	for _, c := range compat {
		w.bytes(c[:])
	}
	w.EndBox()
}

// mp4Epoch is the offset from the unix epoch to 1904-01-01, the zero of
// ISOBMFF creation/modification times.
const mp4Epoch = 2082844800

func (w *BoxWriter) WriteMvhd(timescale uint32, durationTicks uint64, nextTrackID uint32) {
	if durationTicks > uint32Max {
		w.StartFullBox(TypeMvhd, 1, 0)
		w.u64(mp4Epoch)
		w.u64(mp4Epoch)
		w.u32(timescale)
		w.u64(durationTicks)
	} else {
		w.StartFullBox(TypeMvhd, 0, 0)
		w.u32(mp4Epoch)
		w.u32(mp4Epoch)
		w.u32(timescale)
		w.u32(uint32(durationTicks))
	}
	w.u32(0x00010000) // rate 1.0
	w.u16(0x0100)      // volume 1.0
	w.zeros(10)
	identity := IdentityMatrix(0)
	w.bytes(identity[:])
	w.zeros(24)
	w.u32(nextTrackID)
	w.EndBox()
}

func (w *BoxWriter) WriteTkhd(flags uint32, trackID uint32, durationTicks uint64, width, height uint32, volume uint16, matrix [36]byte) {
	if durationTicks > uint32Max {
		w.StartFullBox(TypeTkhd, 1, flags)
		w.u64(mp4Epoch)
		w.u64(mp4Epoch)
		w.u32(trackID)
		w.u32(0)
		w.u64(durationTicks)
	} else {
		w.StartFullBox(TypeTkhd, 0, flags)
		w.u32(mp4Epoch)
		w.u32(mp4Epoch)
		w.u32(trackID)
		w.u32(0)
		w.u32(uint32(durationTicks))
	}
	w.zeros(8)
	w.u16(0) // layer
	w.u16(0) // alternate group
	w.u16(volume)
	w.u16(0) // reserved
	w.bytes(matrix[:])
	w.u32(width)
	w.u32(height)
	w.EndBox()
}

func (w *BoxWriter) WriteMdhd(timescale uint32, durationTicks uint64, language uint16) {
	if durationTicks > uint32Max {
		w.StartFullBox(TypeMdhd, 1, 0)
		w.u64(mp4Epoch)
		w.u64(mp4Epoch)
		w.u32(timescale)
		w.u64(durationTicks)
	} else {
		w.StartFullBox(TypeMdhd, 0, 0)
		w.u32(mp4Epoch)
		w.u32(mp4Epoch)
		w.u32(timescale)
		w.u32(uint32(durationTicks))
	}
	w.u16(language)
	w.u16(0) // quality
	w.EndBox()
}

func (w *BoxWriter) WriteHdlr(handlerType BoxType, name string) {
	w.StartFullBox(TypeHdlr, 0, 0)
	w.u32(0)
	w.bytes(handlerType[:])
	w.zeros(12)
	w.bytes([]byte(name))
	w.u8(0)
	w.EndBox()
}

func (w *BoxWriter) WriteVmhd() {
	w.StartFullBox(TypeVmhd, 0, 1)
	w.u16(0)
	w.zeros(6)
	w.EndBox()
}

func (w *BoxWriter) WriteSmhd() {
	w.StartFullBox(TypeSmhd, 0, 0)
	w.u16(0)
	w.u16(0)
	w.EndBox()
}

func (w *BoxWriter) WriteNmhd() {
	w.StartFullBox(TypeNmhd, 0, 0)
	w.EndBox()
}

func (w *BoxWriter) WriteDref() {
	w.StartFullBox(TypeDref, 0, 0)
	w.u32(1)
	w.StartFullBox(TypeUrl, 0, 1)
	w.EndBox()
	w.EndBox()
}

func (w *BoxWriter) WriteStsz(sampleSize uint32, entries []uint32) {
	w.StartFullBox(TypeStsz, 0, 0)
	w.u32(sampleSize)
	w.u32(uint32(len(entries)))
	if sampleSize == 0 {
		for _, e := range entries {
			w.u32(e)
		}
	}
	w.EndBox()
}

func (w *BoxWriter) WriteStco(entries []uint32) {
	w.StartFullBox(TypeStco, 0, 0)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e)
	}
	w.EndBox()
}

func (w *BoxWriter) WriteCo64(entries []uint64) {
	w.StartFullBox(TypeCo64, 0, 0)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u64(e)
	}
	w.EndBox()
}

func (w *BoxWriter) WriteStss(entries []uint32) {
	w.StartFullBox(TypeStss, 0, 0)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e)
	}
	w.EndBox()
}

func (w *BoxWriter) WriteStts(entries []SttsEntry) {
	w.StartFullBox(TypeStts, 0, 0)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.Count)
		w.u32(e.Duration)
	}
	w.EndBox()
}

func (w *BoxWriter) WriteCtts(entries []CttsEntry) {
	w.StartFullBox(TypeCtts, 1, 0)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.Count)
		w.i32(e.Offset)
	}
	w.EndBox()
}

func (w *BoxWriter) WriteStsc(entries []StscEntry) {
	w.StartFullBox(TypeStsc, 0, 0)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.FirstChunk)
		w.u32(e.SamplesPerChunk)
		w.u32(e.SampleDescriptionId)
	}
	w.EndBox()
}

func (w *BoxWriter) WriteElst(entries []ElstEntry) {
	v1 := false
	for _, e := range entries {
		if e.SegmentDuration > uint32Max || e.MediaTime > int64(int32(e.MediaTime)) {
			v1 = true
			break
		}
	}
	if v1 {
		w.StartFullBox(TypeElst, 1, 0)
	} else {
		w.StartFullBox(TypeElst, 0, 0)
	}
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		if v1 {
			w.u64(e.SegmentDuration)
			w.u64(uint64(e.MediaTime))
		} else {
			w.u32(uint32(e.SegmentDuration))
			w.u32(uint32(e.MediaTime))
		}
		w.u16(uint16(e.MediaRateInt))
		w.u16(uint16(e.MediaRateFrac))
	}
	w.EndBox()
}

func (w *BoxWriter) WriteMehd(fragmentDurationTicks uint64) {
	if fragmentDurationTicks > uint32Max {
		w.StartFullBox(TypeMehd, 1, 0)
		w.u64(fragmentDurationTicks)
	} else {
		w.StartFullBox(TypeMehd, 0, 0)
		w.u32(uint32(fragmentDurationTicks))
	}
	w.EndBox()
}

func (w *BoxWriter) WriteTrex(trackID, descIdx, defDuration, defSize, defFlags uint32) {
	w.StartFullBox(TypeTrex, 0, 0)
	w.u32(trackID)
	w.u32(descIdx)
	w.u32(defDuration)
	w.u32(defSize)
	w.u32(defFlags)
	w.EndBox()
}

func (w *BoxWriter) WriteMfhd(sequenceNumber uint32) {
	w.StartFullBox(TypeMfhd, 0, 0)
	w.u32(sequenceNumber)
	w.EndBox()
}

func (w *BoxWriter) WriteTfhd(flags uint32, trackID uint32) {
	w.StartFullBox(TypeTfhd, 0, flags)
	w.u32(trackID)
	w.EndBox()
}

func (w *BoxWriter) WriteTfdt(baseMediaDecodeTime uint64) {
	w.StartFullBox(TypeTfdt, 1, 0)
	w.u64(baseMediaDecodeTime)
	w.EndBox()
}

func (w *BoxWriter) WriteTrun(flags uint32, dataOffset int32, entries []TrunEntry) {
	w.StartFullBox(TypeTrun, 0, flags)
	w.u32(uint32(len(entries)))
	if flags&TrunDataOffsetPresent != 0 {
		w.i32(dataOffset)
	}
	for _, e := range entries {
		if flags&TrunSampleDurationPresent != 0 {
			w.u32(e.Duration)
		}
		if flags&TrunSampleSizePresent != 0 {
			w.u32(e.Size)
		}
		if flags&TrunSampleFlagsPresent != 0 {
			w.u32(e.Flags)
		}
		if flags&TrunSampleCompositionTimeOffsetPresent != 0 {
			w.i32(e.CompositionTimeOffset)
		}
	}
	w.EndBox()
}

// WriteVisualSampleEntry writes the 78-byte visual sample entry header. The
// caller must StartBox the concrete entry type (avc1/hvc1/vp09/av01) and
// EndBox after writing config children.
func (w *BoxWriter) WriteVisualSampleEntry(dataRefIdx, width, height, frameCount, depth uint16, compressor string) {
	w.zeros(6)
	w.u16(dataRefIdx)
	w.zeros(16)
	w.u16(width)
	w.u16(height)
	w.u32(0x00480000)
	w.u32(0x00480000)
	w.zeros(4)
	w.u16(frameCount)
	nameLen := len(compressor)
	if nameLen > 31 {
		nameLen = 31
	}
	w.u8(byte(nameLen))
	w.fixedString(compressor, 31)
	w.u16(depth)
	w.u16(0xffff)
}

// WriteAudioSampleEntry writes the 28-byte audio sample entry header.
func (w *BoxWriter) WriteAudioSampleEntry(dataRefIdx, channelCount, sampleSize uint16, sampleRate uint32) {
	w.zeros(6)
	w.u16(dataRefIdx)
	w.zeros(8)
	w.u16(channelCount)
	w.u16(sampleSize)
	w.zeros(4)
	w.u32(sampleRate)
}

// WriteAvcC writes an avcC box verbatim-copying the caller-supplied
// description.
func (w *BoxWriter) WriteAvcC(description []byte) {
	w.StartBox(TypeAvcC)
	w.bytes(description)
	w.EndBox()
}

// WriteHvcC is the HEVC counterpart of WriteAvcC.
func (w *BoxWriter) WriteHvcC(description []byte) {
	w.StartBox(TypeHvcC)
	w.bytes(description)
	w.EndBox()
}

// WriteVpcC writes a version-1 vpcC box from explicit codec parameters,
// deriving the packed bitDepth/chromaSubsampling/fullRange byte.
func (w *BoxWriter) WriteVpcC(profile, level, bitDepth, chromaSubsampling uint8, fullRange bool, colorPrimaries, transferChar, matrixCoeffs uint8) {
	w.StartFullBox(TypeVpcC, 1, 0)
	w.u8(profile)
	w.u8(level)
	b := bitDepth<<4 | chromaSubsampling<<1
	if fullRange {
		b |= 1
	}
	w.u8(b)
	w.u8(colorPrimaries)
	w.u8(transferChar)
	w.u8(matrixCoeffs)
	w.u16(0) // codecInitializationDataSize, always 0 for VP9
	w.EndBox()
}

// WriteAv1C writes an av1C box. The marker/version byte is always 0x81;
// seqHeader, if non-nil, is embedded as the configOBUs trailer.
func (w *BoxWriter) WriteAv1C(profile, level uint8, tier bool, highBitdepth, twelveBit, monochrome, chromaSubsamplingX, chromaSubsamplingY bool, chromaSamplePosition uint8, seqHeader []byte) {
	w.StartBox(TypeAv1C)
	w.u8(0x81)
	b1 := profile<<5 | level
	if tier {
		b1 |= 1 << 4
	}
	w.u8(b1)
	var b2 uint8
	if highBitdepth {
		b2 |= 1 << 7
	}
	if twelveBit {
		b2 |= 1 << 6
	}
	if monochrome {
		b2 |= 1 << 5
	}
	if chromaSubsamplingX {
		b2 |= 1 << 4
	}
	if chromaSubsamplingY {
		b2 |= 1 << 3
	}
	b2 |= chromaSamplePosition & 0x03
	w.u8(b2)
	w.u8(0) // reserved + initial_presentation_delay_present=0
	if len(seqHeader) > 0 {
		w.bytes(seqHeader)
	}
	w.EndBox()
}

// WriteEsds writes an esds box wrapping a DecoderSpecificInfo payload for
// MPEG-4 audio, per the ES_Descriptor/DecoderConfigDescriptor/
// DecoderSpecificInfo chain of ISO/IEC 14496-1.
func (w *BoxWriter) WriteEsds(trackID uint16, objectTypeIndication uint8, decoderSpecificInfo []byte, avgBitrate, maxBitrate uint32) {
	w.StartFullBox(TypeEsds, 0, 0)

	dsiLen := len(decoderSpecificInfo)
	decCfgLen := 13
	if dsiLen > 0 {
		decCfgLen += 1 + descLen(dsiLen) + dsiLen
	}
	// ES_ID(2)+flags(1), the DecoderConfigDescriptor with its tag and
	// length field, and the 3-byte SLConfigDescriptor.
	esLen := 3 + 1 + descLen(decCfgLen) + decCfgLen + 3

	w.u8(0x03)
	w.writeDescLen(esLen)
	w.u16(trackID)
	w.u8(0) // flags: no stream dependence, no URL, no OCR

	w.u8(0x04)
	w.writeDescLen(decCfgLen)
	w.u8(objectTypeIndication)
	w.u8(0x15) // streamType=audio(5)<<2 | upStream=0 | reserved=1
	w.u24(0)   // bufferSizeDB
	w.u32(maxBitrate)
	w.u32(avgBitrate)

	if dsiLen > 0 {
		w.u8(0x05)
		w.writeDescLen(dsiLen)
		w.bytes(decoderSpecificInfo)
	}

	w.u8(0x06) // SLConfigDescriptor
	w.writeDescLen(1)
	w.u8(0x02) // predefined = MP4

	w.EndBox()
}

// descLen returns the number of bytes the variable-length descriptor
// length field needs to encode n.
func descLen(n int) int {
	count := 1
	for n >= 0x80 {
		n >>= 7
		count++
	}
	return count
}

func (w *BoxWriter) writeDescLen(n int) {
	// MPEG-4 descriptor length: 7 bits per byte, continuation bit set on
	// all but the last byte, most-significant group first.
	var stack []byte
	stack = append(stack, byte(n&0x7f))
	n >>= 7
	for n > 0 {
		stack = append(stack, byte(n&0x7f)|0x80)
		n >>= 7
	}
	for i := len(stack) - 1; i >= 0; i-- {
		w.u8(stack[i])
	}
}

// WriteDOps writes an Opus dOps box per RFC 7845's identification header
// fields, including the 16-bit pre-skip at byte 10.
func (w *BoxWriter) WriteDOps(channelCount uint8, preSkip uint16, inputSampleRate uint32, outputGain int16, channelMappingFamily uint8) {
	w.StartBox(TypeDOps)
	w.u8(0) // version
	w.u8(channelCount)
	w.u16(preSkip)
	w.u32(inputSampleRate)
	var gain [2]byte
	be.PutUint16(gain[:], uint16(outputGain))
	w.bytes(gain[:])
	w.u8(channelMappingFamily)
	w.EndBox()
}

// WriteDfLa writes a dfLa box wrapping a verbatim FLAC STREAMINFO block.
func (w *BoxWriter) WriteDfLa(streamInfo []byte) {
	w.StartFullBox(TypeDfLa, 0, 0)
	w.u8(0x80) // last-metadata-block flag | STREAMINFO type (0)
	w.u24(uint32(len(streamInfo)))
	w.bytes(streamInfo)
	w.EndBox()
}

// WriteColr writes a colr box carrying an opaque, previously-read payload
// (supplemented feature: colour info is round-tripped, never interpreted).
func (w *BoxWriter) WriteColr(payload []byte) {
	w.StartBox(TypeColr)
	w.bytes(payload)
	w.EndBox()
}

// WritePasp writes a pixel aspect ratio box.
func (w *BoxWriter) WritePasp(hSpacing, vSpacing uint32) {
	w.StartBox(TypePasp)
	w.u32(hSpacing)
	w.u32(vSpacing)
	w.EndBox()
}

// WriteMfro writes the trailing mfro box; size is mfra's total size
// including this box, per ISO/IEC 14496-12's "self-referencing" field.
func (w *BoxWriter) WriteMfro(mfraSize uint32) {
	w.StartFullBox(TypeMfro, 0, 0)
	w.u32(mfraSize)
	w.EndBox()
}

// WriteTfra writes a version-1 tfra box with fixed field widths: 64-bit
// time and moof offset, and 4-byte traf/trun/sample numbers for every entry
// regardless of their values (the widths are re-derived from the packed
// sizes field on read).
func (w *BoxWriter) WriteTfra(trackID uint32, entries []TfraEntry) {
	w.StartFullBox(TypeTfra, 1, 0)
	w.u32(trackID)
	w.u32(0x3f) // length_size_of_traf_num/trun_num/sample_num all = 3 (4 bytes)
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u64(e.Time)
		w.u64(e.MoofOffset)
		w.u32(e.TrafNumber)
		w.u32(e.TrunNumber)
		w.u32(e.SampleNumber)
	}
	w.EndBox()
}

// IdentityMatrix returns the ISOBMFF unity transformation matrix rotated by
// degrees (one of 0/90/180/270, taken modulo 360). Any other value yields
// the unrotated identity matrix.
func IdentityMatrix(degrees int) [36]byte {
	var m [36]byte
	set := func(off int, v uint32) { be.PutUint32(m[off:], v) }
	const one = 0x00010000
	const negOne = 0xffff0000
	const w = 0x40000000
	// Layout: a(0) b(4) u(8) c(12) d(16) v(20) x(24) y(28) w(32).
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		set(4, one)
		set(12, negOne)
	case 180:
		set(0, negOne)
		set(16, negOne)
	case 270:
		set(4, negOne)
		set(12, one)
	default:
		set(0, one)
		set(16, one)
	}
	set(32, w)
	return m
}

// RotationFromMatrix derives the nearest 0/90/180/270 rotation a tkhd
// transformation matrix encodes, by pattern-matching the a/b/c/d terms
// against IdentityMatrix's four outputs. Matrices that don't match one of
// the four axis-aligned rotations
// (arbitrary skew/scale) report 0; the raw matrix bytes are not currently
// surfaced to InputTrack beyond that coarse classification.
func RotationFromMatrix(m [36]byte) int {
	a := int32(be.Uint32(m[0:4]))
	b := int32(be.Uint32(m[4:8]))
	c := int32(be.Uint32(m[12:16]))
	d := int32(be.Uint32(m[16:20]))
	const one = 0x00010000
	const negOne = -0x00010000
	switch {
	case a == one && d == one && b == 0 && c == 0:
		return 0
	case b == one && c == negOne && a == 0 && d == 0:
		return 90
	case a == negOne && d == negOne && b == 0 && c == 0:
		return 180
	case b == negOne && c == one && a == 0 && d == 0:
		return 270
	}
	return 0
}

package isobmff

// Run-length table iterators: each walks one ISOBMFF sample-table box's
// compact encoding without allocating a slice of entries up front.

// StszIter iterates over sample sizes in an stsz box.
type StszIter struct {
	buf        []byte
	sampleSize uint32
	count      uint32
	index      uint32
}

func NewStszIter(data []byte) StszIter {
	if len(data) < 8 {
		return StszIter{}
	}
	return StszIter{buf: data, sampleSize: be.Uint32(data[0:4]), count: be.Uint32(data[4:8])}
}

func (it *StszIter) Count() uint32 { return it.count }

// ConstantSize returns (size, true) if every sample shares one size.
func (it *StszIter) ConstantSize() (uint32, bool) { return it.sampleSize, it.sampleSize != 0 }

func (it *StszIter) Next() (uint32, bool) {
	if it.index >= it.count {
		return 0, false
	}
	var size uint32
	if it.sampleSize != 0 {
		size = it.sampleSize
	} else {
		offset := 8 + int(it.index)*4
		if offset+4 > len(it.buf) {
			return 0, false
		}
		size = be.Uint32(it.buf[offset:])
	}
	it.index++
	return size, true
}

// At returns the size of sample index i without advancing the iterator.
func (it *StszIter) At(i uint32) (uint32, bool) {
	if i >= it.count {
		return 0, false
	}
	if it.sampleSize != 0 {
		return it.sampleSize, true
	}
	offset := 8 + int(i)*4
	if offset+4 > len(it.buf) {
		return 0, false
	}
	return be.Uint32(it.buf[offset:]), true
}

// Uint32Iter iterates over uint32 entries (stco, stss).
type Uint32Iter struct {
	buf   []byte
	count uint32
	index uint32
}

func NewUint32Iter(data []byte) Uint32Iter {
	if len(data) < 4 {
		return Uint32Iter{}
	}
	return Uint32Iter{buf: data, count: be.Uint32(data[0:4])}
}

func (it *Uint32Iter) Count() uint32 { return it.count }

func (it *Uint32Iter) Next() (uint32, bool) {
	if it.index >= it.count {
		return 0, false
	}
	offset := 4 + int(it.index)*4
	if offset+4 > len(it.buf) {
		return 0, false
	}
	v := be.Uint32(it.buf[offset:])
	it.index++
	return v, true
}

func (it *Uint32Iter) At(i uint32) (uint32, bool) {
	if i >= it.count {
		return 0, false
	}
	offset := 4 + int(i)*4
	if offset+4 > len(it.buf) {
		return 0, false
	}
	return be.Uint32(it.buf[offset:]), true
}

// Co64Iter iterates over uint64 chunk offsets in a co64 box.
type Co64Iter struct {
	buf   []byte
	count uint32
	index uint32
}

func NewCo64Iter(data []byte) Co64Iter {
	if len(data) < 4 {
		return Co64Iter{}
	}
	return Co64Iter{buf: data, count: be.Uint32(data[0:4])}
}

func (it *Co64Iter) Count() uint32 { return it.count }

func (it *Co64Iter) Next() (uint64, bool) {
	if it.index >= it.count {
		return 0, false
	}
	offset := 4 + int(it.index)*8
	if offset+8 > len(it.buf) {
		return 0, false
	}
	v := be.Uint64(it.buf[offset:])
	it.index++
	return v, true
}

func (it *Co64Iter) At(i uint32) (uint64, bool) {
	if i >= it.count {
		return 0, false
	}
	offset := 4 + int(i)*8
	if offset+8 > len(it.buf) {
		return 0, false
	}
	return be.Uint64(it.buf[offset:]), true
}

// SttsEntry is a time-to-sample run-length entry.
type SttsEntry struct {
	Count    uint32
	Duration uint32
}

type SttsIter struct {
	buf   []byte
	count uint32
	index uint32
}

func NewSttsIter(data []byte) SttsIter {
	if len(data) < 4 {
		return SttsIter{}
	}
	return SttsIter{buf: data, count: be.Uint32(data[0:4])}
}

func (it *SttsIter) Count() uint32 { return it.count }

func (it *SttsIter) Next() (SttsEntry, bool) {
	if it.index >= it.count {
		return SttsEntry{}, false
	}
	offset := 4 + int(it.index)*8
	if offset+8 > len(it.buf) {
		return SttsEntry{}, false
	}
	e := SttsEntry{Count: be.Uint32(it.buf[offset:]), Duration: be.Uint32(it.buf[offset+4:])}
	it.index++
	return e, true
}

// AllSttsEntries materializes every run in an stts box.
func AllSttsEntries(data []byte) []SttsEntry {
	it := NewSttsIter(data)
	out := make([]SttsEntry, 0, it.Count())
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// CttsEntry is a composition-offset run-length entry.
type CttsEntry struct {
	Count  uint32
	Offset int32
}

type CttsIter struct {
	buf   []byte
	count uint32
	index uint32
}

func NewCttsIter(data []byte) CttsIter {
	if len(data) < 4 {
		return CttsIter{}
	}
	return CttsIter{buf: data, count: be.Uint32(data[0:4])}
}

func (it *CttsIter) Count() uint32 { return it.count }

func (it *CttsIter) Next() (CttsEntry, bool) {
	if it.index >= it.count {
		return CttsEntry{}, false
	}
	offset := 4 + int(it.index)*8
	if offset+8 > len(it.buf) {
		return CttsEntry{}, false
	}
	e := CttsEntry{Count: be.Uint32(it.buf[offset:]), Offset: int32(be.Uint32(it.buf[offset+4:]))}
	it.index++
	return e, true
}

func AllCttsEntries(data []byte) []CttsEntry {
	it := NewCttsIter(data)
	out := make([]CttsEntry, 0, it.Count())
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// StscEntry is a sample-to-chunk run entry.
type StscEntry struct {
	FirstChunk          uint32
	SamplesPerChunk     uint32
	SampleDescriptionId uint32
}

type StscIter struct {
	buf   []byte
	count uint32
	index uint32
}

func NewStscIter(data []byte) StscIter {
	if len(data) < 4 {
		return StscIter{}
	}
	return StscIter{buf: data, count: be.Uint32(data[0:4])}
}

func (it *StscIter) Count() uint32 { return it.count }

func (it *StscIter) Next() (StscEntry, bool) {
	if it.index >= it.count {
		return StscEntry{}, false
	}
	offset := 4 + int(it.index)*12
	if offset+12 > len(it.buf) {
		return StscEntry{}, false
	}
	e := StscEntry{
		FirstChunk:          be.Uint32(it.buf[offset:]),
		SamplesPerChunk:     be.Uint32(it.buf[offset+4:]),
		SampleDescriptionId: be.Uint32(it.buf[offset+8:]),
	}
	it.index++
	return e, true
}

func AllStscEntries(data []byte) []StscEntry {
	it := NewStscIter(data)
	out := make([]StscEntry, 0, it.Count())
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// ElstEntry is an edit-list entry.
type ElstEntry struct {
	SegmentDuration uint64
	MediaTime       int64
	MediaRateInt    int16
	MediaRateFrac   int16
}

type ElstIter struct {
	buf     []byte
	count   uint32
	index   uint32
	version uint8
}

func NewElstIter(data []byte, version uint8) ElstIter {
	if len(data) < 4 {
		return ElstIter{}
	}
	return ElstIter{buf: data, count: be.Uint32(data[0:4]), version: version}
}

func (it *ElstIter) Count() uint32 { return it.count }

func (it *ElstIter) Next() (ElstEntry, bool) {
	if it.index >= it.count {
		return ElstEntry{}, false
	}
	var e ElstEntry
	if it.version == 1 {
		stride := 20
		offset := 4 + int(it.index)*stride
		if offset+stride > len(it.buf) {
			return ElstEntry{}, false
		}
		e.SegmentDuration = be.Uint64(it.buf[offset:])
		e.MediaTime = int64(be.Uint64(it.buf[offset+8:]))
		e.MediaRateInt = int16(be.Uint16(it.buf[offset+16:]))
		e.MediaRateFrac = int16(be.Uint16(it.buf[offset+18:]))
	} else {
		stride := 12
		offset := 4 + int(it.index)*stride
		if offset+stride > len(it.buf) {
			return ElstEntry{}, false
		}
		e.SegmentDuration = uint64(be.Uint32(it.buf[offset:]))
		e.MediaTime = int64(int32(be.Uint32(it.buf[offset+4:])))
		e.MediaRateInt = int16(be.Uint16(it.buf[offset+8:]))
		e.MediaRateFrac = int16(be.Uint16(it.buf[offset+10:]))
	}
	it.index++
	return e, true
}

// Trun flags.
const (
	TrunDataOffsetPresent                  = 0x000001
	TrunFirstSampleFlagsPresent            = 0x000004
	TrunSampleDurationPresent              = 0x000100
	TrunSampleSizePresent                  = 0x000200
	TrunSampleFlagsPresent                 = 0x000400
	TrunSampleCompositionTimeOffsetPresent = 0x000800
)

// Tfhd flags (Track Fragment Header Box).
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// SampleFlagsSyncBit is the "sample_is_non_sync_sample" polarity used in trun sample_flags.
// A key (sync) sample has this bit clear.
const SampleFlagsSyncBit = 1 << 16

// TrunEntry is one track-run sample entry.
type TrunEntry struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

// IsKey reports whether the trun sample_flags mark this sample as a sync sample.
func (e TrunEntry) IsKey() bool { return e.Flags&SampleFlagsSyncBit == 0 }

type TrunIter struct {
	buf              []byte
	flags            uint32
	count            uint32
	index            uint32
	dataOffset       int32
	firstSampleFlags uint32
	stride           int
	entriesStart     int
}

func NewTrunIter(data []byte, flags uint32) TrunIter {
	if len(data) < 4 {
		return TrunIter{}
	}
	it := TrunIter{buf: data, flags: flags, count: be.Uint32(data[0:4])}
	ptr := 4
	if flags&TrunDataOffsetPresent != 0 {
		if ptr+4 > len(data) {
			return TrunIter{}
		}
		it.dataOffset = int32(be.Uint32(data[ptr:]))
		ptr += 4
	}
	if flags&TrunFirstSampleFlagsPresent != 0 {
		if ptr+4 > len(data) {
			return TrunIter{}
		}
		it.firstSampleFlags = be.Uint32(data[ptr:])
		ptr += 4
	}
	it.entriesStart = ptr
	if flags&TrunSampleDurationPresent != 0 {
		it.stride += 4
	}
	if flags&TrunSampleSizePresent != 0 {
		it.stride += 4
	}
	if flags&TrunSampleFlagsPresent != 0 {
		it.stride += 4
	}
	if flags&TrunSampleCompositionTimeOffsetPresent != 0 {
		it.stride += 4
	}
	return it
}

func (it *TrunIter) Count() uint32          { return it.count }
func (it *TrunIter) DataOffset() int32      { return it.dataOffset }
func (it *TrunIter) FirstSampleFlags() uint32 { return it.firstSampleFlags }

func (it *TrunIter) Next() (TrunEntry, bool) {
	if it.index >= it.count {
		return TrunEntry{}, false
	}
	offset := it.entriesStart + int(it.index)*it.stride
	if offset+it.stride > len(it.buf) {
		return TrunEntry{}, false
	}
	var e TrunEntry
	p := offset
	if it.flags&TrunSampleDurationPresent != 0 {
		e.Duration = be.Uint32(it.buf[p:])
		p += 4
	}
	if it.flags&TrunSampleSizePresent != 0 {
		e.Size = be.Uint32(it.buf[p:])
		p += 4
	}
	if it.flags&TrunSampleFlagsPresent != 0 {
		e.Flags = be.Uint32(it.buf[p:])
		p += 4
	}
	if it.flags&TrunSampleCompositionTimeOffsetPresent != 0 {
		e.CompositionTimeOffset = int32(be.Uint32(it.buf[p:]))
	}
	it.index++
	return e, true
}

func AllTrunEntries(data []byte, flags uint32) []TrunEntry {
	it := NewTrunIter(data, flags)
	out := make([]TrunEntry, 0, it.Count())
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// TfraEntry is one random-access entry in a tfra box.
type TfraEntry struct {
	Time       uint64
	MoofOffset uint64
	TrafNumber uint32
	TrunNumber uint32
	SampleNumber uint32
}

// ParseTfra parses a complete tfra box body (version + flags already stripped).
func ParseTfra(data []byte, version uint8) (trackID uint32, entries []TfraEntry, ok bool) {
	if len(data) < 12 {
		return 0, nil, false
	}
	trackID = be.Uint32(data[0:4])
	sizes := be.Uint32(data[4:8])
	lengthSizeOfTrafNum := (sizes >> 4) & 3
	lengthSizeOfTrunNum := (sizes >> 2) & 3
	lengthSizeOfSampleNum := sizes & 3
	count := be.Uint32(data[8:12])
	ptr := 12

	readN := func(n uint32) (uint64, bool) {
		width := int(n) + 1
		if ptr+width > len(data) {
			return 0, false
		}
		var v uint64
		for i := 0; i < width; i++ {
			v = v<<8 | uint64(data[ptr+i])
		}
		ptr += width
		return v, true
	}

	entries = make([]TfraEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e TfraEntry
		var v uint64
		var okRead bool
		if version == 1 {
			if ptr+16 > len(data) {
				return trackID, entries, false
			}
			e.Time = be.Uint64(data[ptr:])
			e.MoofOffset = be.Uint64(data[ptr+8:])
			ptr += 16
		} else {
			if ptr+8 > len(data) {
				return trackID, entries, false
			}
			e.Time = uint64(be.Uint32(data[ptr:]))
			e.MoofOffset = uint64(be.Uint32(data[ptr+4:]))
			ptr += 8
		}
		if v, okRead = readN(lengthSizeOfTrafNum); !okRead {
			return trackID, entries, false
		}
		e.TrafNumber = uint32(v)
		if v, okRead = readN(lengthSizeOfTrunNum); !okRead {
			return trackID, entries, false
		}
		e.TrunNumber = uint32(v)
		if v, okRead = readN(lengthSizeOfSampleNum); !okRead {
			return trackID, entries, false
		}
		e.SampleNumber = uint32(v)
		entries = append(entries, e)
	}
	return trackID, entries, true
}

// Package packet defines the wire-independent data model shared by the
// demuxer, muxer, and media pipeline: the encoded packet moving
// between a demuxer sink and a muxer source, the muxer-internal Sample it
// becomes once annotated with a decode timestamp, and the Chunk that groups
// samples sharing one container-level offset record.
package packet

// Kind classifies a packet as independently decodable or not.
type Kind uint8

const (
	Delta Kind = iota
	Key
)

func (k Kind) String() string {
	if k == Key {
		return "key"
	}
	return "delta"
}

// TrackKind classifies the elementary stream an InputTrack/OutputTrack carries.
type TrackKind uint8

const (
	Video TrackKind = iota
	Audio
	Subtitle
)

func (k TrackKind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Subtitle:
		return "subtitle"
	}
	return "unknown"
}

// EncodedPacket is one coded unit, produced by a sink and consumed by a
// source. Not shared between tracks. Data may be nil for a metadata-only
// placeholder packet (e.g. a discarded-but-timed subtitle cue boundary).
type EncodedPacket struct {
	Data           []byte
	Kind           Kind
	TimestampUs    int64
	DurationUs     int64
	SequenceNumber int64
	SideData       []byte // e.g. an alpha-channel plane, opaque to the core
}

// IsKey reports whether the packet is independently decodable.
func (p EncodedPacket) IsKey() bool { return p.Kind == Key }

// Sample is an EncodedPacket annotated with a decode timestamp and the
// timescale-tick count to the next sample, as tracked by the muxer from
// addPacket until the sample is emitted to the Target.
type Sample struct {
	EncodedPacket
	DecodeTimestamp int64 // track timescale units
	TicksToNext     int64 // track timescale units; 0 until the next sample arrives
}

// Chunk is a contiguous run of samples sharing a single container-level
// offset record: opened on sample arrival, closed when the elapsed duration
// crosses the mode's chunk-length threshold.
type Chunk struct {
	StartTimestampUs int64
	Samples          []Sample
	Offset           int64 // byte offset of the chunk's first sample once written
	MoofOffset       int64 // fragmented mode: offset of the owning moof, else 0
}

// DurationUs returns the chunk's span in microseconds from its first sample's
// timestamp to the end of its last.
func (c *Chunk) DurationUs() int64 {
	if len(c.Samples) == 0 {
		return 0
	}
	last := c.Samples[len(c.Samples)-1]
	return last.TimestampUs + last.DurationUs - c.StartTimestampUs
}

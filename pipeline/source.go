// Package pipeline turns an Input's tracks into the packet/frame sequences
// a conversion or playback consumer drives: packet sinks over input
// tracks, packet sources over output tracks, and the backpressured
// iterator and decoder driver between them.
package pipeline

import (
	"context"

	"github.com/tetsuo/mediabunny/isobmff/demux"
	"github.com/tetsuo/mediabunny/packet"
)

// EncodedPacketSink is the read side of one InputTrack: direct random-access
// lookups (GetFirst/GetAtTimestamp/GetKeyAtTimestamp/GetNext/GetNextKey)
// plus a lazily-prefetching Packets sequence.
type EncodedPacketSink struct {
	input *demux.Input
	track *demux.InputTrack
}

// NewEncodedPacketSink wraps track, reading its sample payloads through input.
func NewEncodedPacketSink(input *demux.Input, track *demux.InputTrack) *EncodedPacketSink {
	return &EncodedPacketSink{input: input, track: track}
}

// Track returns the underlying InputTrack, for codec/timescale inspection.
func (s *EncodedPacketSink) Track() *demux.InputTrack { return s.track }

func toEncodedPacket(info demux.SampleInfo, data []byte) packet.EncodedPacket {
	kind := packet.Delta
	if info.Key {
		kind = packet.Key
	}
	return packet.EncodedPacket{
		Data:           data,
		Kind:           kind,
		TimestampUs:    info.PresentationTimeUs,
		DurationUs:     info.DurationUs,
		SequenceNumber: int64(info.Index),
	}
}

func (s *EncodedPacketSink) resolve(ctx context.Context, info demux.SampleInfo, err error) (packet.EncodedPacket, error) {
	if err != nil {
		return packet.EncodedPacket{}, err
	}
	data, err := s.input.ReadPacketData(ctx, info.Offset, info.Size)
	if err != nil {
		return packet.EncodedPacket{}, err
	}
	return toEncodedPacket(info, data), nil
}

// sampleInfoFor re-resolves the SampleInfo a previously-yielded packet came
// from, by floor-searching its own presentation timestamp. The sink only
// hands out EncodedPacket values, which don't
// carry byte offset or sample index, so stepping forward needs one extra
// lookup to recover them.
func (s *EncodedPacketSink) sampleInfoFor(ctx context.Context, pkt packet.EncodedPacket) (demux.SampleInfo, error) {
	return s.track.GetSampleAtTimestamp(ctx, pkt.TimestampUs)
}

// GetFirst returns the track's earliest packet.
func (s *EncodedPacketSink) GetFirst(ctx context.Context) (packet.EncodedPacket, error) {
	info, err := s.track.GetFirstSample(ctx)
	return s.resolve(ctx, info, err)
}

// GetAtTimestamp resolves the packet whose presentation interval contains
// usTimestamp.
func (s *EncodedPacketSink) GetAtTimestamp(ctx context.Context, usTimestamp int64) (packet.EncodedPacket, error) {
	info, err := s.track.GetSampleAtTimestamp(ctx, usTimestamp)
	return s.resolve(ctx, info, err)
}

// GetKeyAtTimestamp resolves the key packet at or before usTimestamp.
func (s *EncodedPacketSink) GetKeyAtTimestamp(ctx context.Context, usTimestamp int64) (packet.EncodedPacket, error) {
	info, err := s.track.GetKeySampleAtTimestamp(ctx, usTimestamp)
	return s.resolve(ctx, info, err)
}

// GetNext steps forward from current.
func (s *EncodedPacketSink) GetNext(ctx context.Context, current packet.EncodedPacket) (packet.EncodedPacket, error) {
	info, err := s.sampleInfoFor(ctx, current)
	if err != nil {
		return packet.EncodedPacket{}, err
	}
	next, err := s.track.GetNextSample(ctx, info)
	return s.resolve(ctx, next, err)
}

// GetNextKey is GetNext restricted to key packets.
func (s *EncodedPacketSink) GetNextKey(ctx context.Context, current packet.EncodedPacket) (packet.EncodedPacket, error) {
	info, err := s.sampleInfoFor(ctx, current)
	if err != nil {
		return packet.EncodedPacket{}, err
	}
	next, err := s.track.GetNextKeySample(ctx, info)
	return s.resolve(ctx, next, err)
}

package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff/mux"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// EncodedPacketSource is the write side of one OutputTrack, the packet
// push path a copy-mode conversion drives. It is the symmetric
// counterpart of EncodedPacketSink, funneling packets through the owning
// Output's Writer one track at a time.
type EncodedPacketSource struct {
	output *mux.Output
	track  *mux.OutputTrack
}

// NewEncodedPacketSource wraps track, writing through output.
func NewEncodedPacketSource(output *mux.Output, track *mux.OutputTrack) *EncodedPacketSource {
	return &EncodedPacketSource{output: output, track: track}
}

// Track returns the underlying OutputTrack.
func (s *EncodedPacketSource) Track() *mux.OutputTrack { return s.track }

// Push admits pkt onto the track.
func (s *EncodedPacketSource) Push(ctx context.Context, pkt packet.EncodedPacket) error {
	return s.output.AddPacket(ctx, s.track, pkt)
}

// EncoderOptions configures one call to Encoder.Encode.
type EncoderOptions struct {
	KeyFrame bool
}

// Encoder is the per-track encode collaborator a transcode pipeline stage
// drives. As with Decoder, frame and
// error delivery is channel-based rather than callback registration.
type Encoder interface {
	// Configure prepares the encoder for the target codec/timescale.
	Configure(cfg codec.Config) error
	// Encode submits one decoded frame for asynchronous encoding.
	Encode(ctx context.Context, frame Frame, opts EncoderOptions) error
	// Flush drains any frames buffered inside the encoder, guaranteeing every
	// packet encodable from frames submitted so far has been sent to
	// Packets() by the time Flush returns.
	Flush(ctx context.Context) error
	// Packets delivers encoded output as it becomes available, alongside an
	// updated DecoderConfig the first time the encoder's description is
	// known.
	Packets() <-chan EncodedPacketWithConfig
	// Errors delivers asynchronous encode failures.
	Errors() <-chan error
}

// EncodedPacketWithConfig pairs an encoded packet with the decoder config
// the encoder resolved it against, populated only on the first packet of a
// track once the encoder has settled its description.
type EncodedPacketWithConfig struct {
	Packet packet.EncodedPacket
	Config *codec.Config
}

// TranscodeDriver decodes one track's packets and re-encodes the resulting
// frames, forwarding encoded packets (and the resolved DecoderConfig, once)
// to a sink function.
type TranscodeDriver struct {
	decoder Decoder
	encoder Encoder

	configured int32
	onConfig   func(codec.Config)

	// FrameFilter, if set, is consulted on every decoded frame before it is
	// handed to the encoder; a frame it rejects is closed and dropped
	// instead of encoded, which is how a trim window's hidden lead-in
	// frames are decoded but never re-encoded.
	FrameFilter func(Frame) bool
}

// NewTranscodeDriver wires decoder to encoder. onConfig, if non-nil, is
// called once with the encoder's resolved DecoderConfig, letting the caller
// register an OutputTrack only after the real codec config is known.
func NewTranscodeDriver(decoder Decoder, encoder Encoder, onConfig func(codec.Config)) *TranscodeDriver {
	return &TranscodeDriver{decoder: decoder, encoder: encoder, onConfig: onConfig}
}

// Submit decodes pkt and forwards any resulting frames into the encoder,
// draining whatever packets the encoder has produced so far into sink.
func (d *TranscodeDriver) Submit(ctx context.Context, pkt packet.EncodedPacket, sink func(context.Context, packet.EncodedPacket) error) error {
	if err := d.decoder.Decode(ctx, pkt); err != nil {
		return mberrors.Wrap(mberrors.DecodeFailed, err, "transcode decode")
	}
	return d.drainReady(ctx, sink)
}

// Flush drains both the decoder and the encoder, forwarding every
// remaining packet to sink.
func (d *TranscodeDriver) Flush(ctx context.Context, sink func(context.Context, packet.EncodedPacket) error) error {
	if err := d.decoder.Flush(ctx); err != nil {
		return mberrors.Wrap(mberrors.DecodeFailed, err, "transcode decoder flush")
	}
	if err := d.drainFrames(ctx); err != nil {
		return err
	}
	if err := d.encoder.Flush(ctx); err != nil {
		return mberrors.Wrap(mberrors.EncodeFailed, err, "transcode encoder flush")
	}
	return d.drainReady(ctx, sink)
}

// drainFrames forwards whatever frames the decoder has ready into the
// encoder without blocking once the channel is empty.
func (d *TranscodeDriver) drainFrames(ctx context.Context) error {
	for {
		select {
		case f := <-d.decoder.Frames():
			if d.FrameFilter != nil && !d.FrameFilter(f) {
				f.Close()
				continue
			}
			if err := d.encoder.Encode(ctx, f, EncoderOptions{}); err != nil {
				return mberrors.Wrap(mberrors.EncodeFailed, err, "transcode encode")
			}
		case err := <-d.decoder.Errors():
			return mberrors.Wrap(mberrors.DecodeFailed, err, "transcode decode")
		default:
			return nil
		}
	}
}

// drainReady forwards whatever packets the encoder has ready into sink
// without blocking once the channel is empty.
func (d *TranscodeDriver) drainReady(ctx context.Context, sink func(context.Context, packet.EncodedPacket) error) error {
	if err := d.drainFrames(ctx); err != nil {
		return err
	}
	for {
		select {
		case out := <-d.encoder.Packets():
			if out.Config != nil && atomic.CompareAndSwapInt32(&d.configured, 0, 1) && d.onConfig != nil {
				d.onConfig(*out.Config)
			}
			if err := sink(ctx, out.Packet); err != nil {
				return err
			}
		case err := <-d.encoder.Errors():
			return mberrors.Wrap(mberrors.EncodeFailed, err, "transcode encode")
		default:
			return nil
		}
	}
}

package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// maxDecoderInflight caps queued frames plus decoder-internal inflight
// work, the decoder driver's backpressure bound.
const maxDecoderInflight = 8

// Decoder is the per-track decode collaborator a VideoSampleSink or
// AudioSampleSink drives. Implementations wrap
// a concrete codec library; this package only specifies the shape a driver
// needs. Frame and error delivery is channel-based rather than callback
// registration.
type Decoder interface {
	// Configure prepares the decoder for cfg's codec/timescale/description.
	Configure(cfg codec.Config) error
	// Decode submits one coded packet for asynchronous decoding.
	Decode(ctx context.Context, pkt packet.EncodedPacket) error
	// Flush drains any packets buffered inside the decoder, guaranteeing
	// every frame decodable from packets submitted so far has been sent to
	// Frames() by the time Flush returns.
	Flush(ctx context.Context) error
	// Inflight reports the decoder's own buffered-but-undelivered frame
	// count, the second term of the frameQueue+inflight backpressure cap.
	Inflight() int
	// Frames delivers decoded output in presentation order as it becomes
	// available.
	Frames() <-chan Frame
	// Errors delivers asynchronous decode failures.
	Errors() <-chan error
}

// Frame is one decoded video or audio frame. Close releases its underlying
// decoder resources; the pipeline calls it exactly once, on whichever frame
// a newer one supersedes in the cache.
type Frame struct {
	PresentationTimeUs int64
	DurationUs         int64
	Data               any

	release  func()
	released int32
}

// Close releases the frame. Safe to call more than once or on a zero Frame;
// only the first call takes effect.
func (f *Frame) Close() {
	if f == nil || f.release == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&f.released, 0, 1) {
		f.release()
	}
}

// sampleDecodeDriver is the decode-driving logic shared by VideoSampleSink
// and AudioSampleSink: feed a key-aligned packet run into the decoder,
// respecting the inflight backpressure cap, and cache the most recently
// decoded frame to answer repeat queries without re-decoding.
type sampleDecodeDriver struct {
	source    *EncodedPacketSink
	decoder   Decoder
	lastFrame Frame
	haveLast  bool
}

func (d *sampleDecodeDriver) getFrame(ctx context.Context, usTimestamp int64) (Frame, error) {
	// Floor the query to the covering sample's own presentation timestamp,
	// so a mid-frame query resolves to the frame displayed at that instant.
	target, err := d.source.GetAtTimestamp(ctx, usTimestamp)
	if err != nil {
		return Frame{}, err
	}
	targetPts := target.TimestampUs

	if d.haveLast && d.lastFrame.PresentationTimeUs == targetPts {
		return d.lastFrame, nil
	}

	current, err := d.source.GetKeyAtTimestamp(ctx, usTimestamp)
	if err != nil {
		return Frame{}, err
	}
	for {
		if err := d.submit(ctx, current); err != nil {
			return Frame{}, err
		}
		if current.TimestampUs >= targetPts {
			break
		}
		next, err := d.source.GetNext(ctx, current)
		if err != nil {
			break
		}
		current = next
	}
	if err := d.decoder.Flush(ctx); err != nil {
		return Frame{}, err
	}

drain:
	for {
		select {
		case f := <-d.decoder.Frames():
			if d.haveLast && d.lastFrame.PresentationTimeUs != f.PresentationTimeUs {
				d.lastFrame.Close()
			}
			d.lastFrame, d.haveLast = f, true
			if f.PresentationTimeUs == targetPts {
				break drain
			}
		case err := <-d.decoder.Errors():
			return Frame{}, err
		default:
			break drain
		}
	}
	if !d.haveLast || d.lastFrame.PresentationTimeUs != targetPts {
		return Frame{}, mberrors.New(mberrors.NotReady, "decoder produced no frame at timestamp %d", usTimestamp)
	}
	return d.lastFrame, nil
}

// submit feeds pkt to the decoder, waiting for room when the combined
// queued-frame and decoder-inflight count has reached the backpressure cap.
func (d *sampleDecodeDriver) submit(ctx context.Context, pkt packet.EncodedPacket) error {
	for d.decoder.Inflight() >= maxDecoderInflight {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-d.decoder.Frames():
			if d.haveLast && d.lastFrame.PresentationTimeUs != f.PresentationTimeUs {
				d.lastFrame.Close()
			}
			d.lastFrame, d.haveLast = f, true
		case err := <-d.decoder.Errors():
			return err
		}
	}
	return d.decoder.Decode(ctx, pkt)
}

// VideoSampleSink decodes a video track's packets into frames, indexed by
// presentation timestamp.
type VideoSampleSink struct {
	drv sampleDecodeDriver
}

// NewVideoSampleSink configures decoder for source's track and returns a
// sink driving it.
func NewVideoSampleSink(source *EncodedPacketSink, decoder Decoder) (*VideoSampleSink, error) {
	if err := decoder.Configure(source.Track().Codec); err != nil {
		return nil, err
	}
	return &VideoSampleSink{drv: sampleDecodeDriver{source: source, decoder: decoder}}, nil
}

// GetFrame returns the decoded frame at usTimestamp.
func (s *VideoSampleSink) GetFrame(ctx context.Context, usTimestamp int64) (Frame, error) {
	return s.drv.getFrame(ctx, usTimestamp)
}

// AudioSampleSink decodes an audio track's packets into frames, indexed by
// presentation timestamp.
type AudioSampleSink struct {
	drv sampleDecodeDriver
}

// NewAudioSampleSink configures decoder for source's track and returns a
// sink driving it.
func NewAudioSampleSink(source *EncodedPacketSink, decoder Decoder) (*AudioSampleSink, error) {
	if err := decoder.Configure(source.Track().Codec); err != nil {
		return nil, err
	}
	return &AudioSampleSink{drv: sampleDecodeDriver{source: source, decoder: decoder}}, nil
}

// GetFrame returns the decoded frame at usTimestamp.
func (s *AudioSampleSink) GetFrame(ctx context.Context, usTimestamp int64) (Frame, error) {
	return s.drv.getFrame(ctx, usTimestamp)
}

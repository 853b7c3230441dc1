package convert

import (
	"context"

	"github.com/tetsuo/mediabunny/packet"
	"github.com/tetsuo/mediabunny/pipeline"
)

// TranscodeDriver wraps pipeline.TranscodeDriver with this package's trim
// semantics: non-video tracks skip out-of-window packets before decode;
// video tracks decode every packet from the priming key sample onward but
// suppress (close, never encode) the frames before the trim window, and
// every packet the encoder does emit is rebased through the track's
// trimGate exactly like the copy path.
type TranscodeDriver struct {
	td     *pipeline.TranscodeDriver
	kind   packet.TrackKind
	window *TrimWindow
}

func (c *Conversion) newDriver(plan *TrackPlan) (*TranscodeDriver, error) {
	dec, err := c.opts.NewDecoder(plan.Input)
	if err != nil {
		return nil, err
	}
	if err := dec.Configure(plan.Input.Codec); err != nil {
		return nil, err
	}
	targetCfg := c.targetConfig(plan)
	enc, err := c.opts.NewEncoder(plan.Input, plan.TargetCodec, targetCfg)
	if err != nil {
		return nil, err
	}
	if err := enc.Configure(targetCfg); err != nil {
		return nil, err
	}

	td := pipeline.NewTranscodeDriver(dec, enc, nil)
	window := plan.Options.Trim
	if plan.Input.Kind == packet.Video && window != nil {
		td.FrameFilter = func(f pipeline.Frame) bool {
			return f.PresentationTimeUs >= window.StartUs && f.PresentationTimeUs < window.EndUs
		}
	}
	return &TranscodeDriver{td: td, kind: plan.Input.Kind, window: window}, nil
}

// submit decodes/encodes one packet, rebasing and forwarding any resulting
// output packets through gate and source.
func (d *TranscodeDriver) submit(ctx context.Context, pkt packet.EncodedPacket, gate *trimGate, source *pipeline.EncodedPacketSource) error {
	if d.kind != packet.Video && d.window != nil && !overlaps(pkt.TimestampUs, pkt.DurationUs, d.window.StartUs, d.window.EndUs) {
		return nil
	}
	return d.td.Submit(ctx, pkt, func(ctx context.Context, out packet.EncodedPacket) error {
		return d.forward(ctx, out, gate, source)
	})
}

func (d *TranscodeDriver) flush(ctx context.Context, gate *trimGate, source *pipeline.EncodedPacketSource) error {
	return d.td.Flush(ctx, func(ctx context.Context, out packet.EncodedPacket) error {
		return d.forward(ctx, out, gate, source)
	})
}

func (d *TranscodeDriver) forward(ctx context.Context, out packet.EncodedPacket, gate *trimGate, source *pipeline.EncodedPacketSource) error {
	newTs, retained := gate.admit(out)
	if !retained {
		return nil
	}
	out.TimestampUs = newTs
	return source.Push(ctx, out)
}

package convert

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff/demux"
	"github.com/tetsuo/mediabunny/isobmff/mux"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
	"github.com/tetsuo/mediabunny/pipeline"
)

// Mode is the per-track decision planning resolves.
type Mode int

const (
	ModeCopy Mode = iota
	ModeTranscode
	ModeDiscard
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeTranscode:
		return "transcode"
	case ModeDiscard:
		return "discard"
	}
	return "unknown"
}

// Discard reasons surfaced on TrackPlan.DiscardReason.
const (
	ReasonExplicit          = "explicit_discard"
	ReasonNoEncodableTarget = "no_encodable_target_codec"
	ReasonOutputRejected    = "output_rejected_track"
)

// TrackPlan is one input track's resolved disposition.
type TrackPlan struct {
	Input         *demux.InputTrack
	Mode          Mode
	TargetCodec   codec.ID
	DiscardReason string
	Options       TrackOptions

	output *mux.OutputTrack
	sink   *pipeline.EncodedPacketSink
}

// Conversion drives packets from an Input's retained tracks to an Output's
// tracks, copying or transcoding per plan.
type Conversion struct {
	input  *demux.Input
	output *mux.Output
	opts   Options
	log    *slog.Logger

	plans   []*TrackPlan
	isValid bool

	cancelled atomic.Bool

	progressMu sync.Mutex
	weights    map[*TrackPlan]float64
	fractions  map[*TrackPlan]float64
}

// Option configures a Conversion.
type Option func(*Conversion)

// WithLogger injects a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversion) { c.log = logger }
}

// New plans a conversion from input to output per opts: per-track mode
// resolution followed by validation. Output must not have had AddTrack called
// on it yet; New calls it once per retained track.
func New(ctx context.Context, input *demux.Input, output *mux.Output, opts Options, convOpts ...Option) (*Conversion, error) {
	c := &Conversion{
		input:  input,
		output: output,
		opts:   opts,
		log:    slog.Default(),
	}
	for _, o := range convOpts {
		o(c)
	}

	counters := map[packet.TrackKind]int{}
	for _, track := range input.Tracks() {
		n := counters[track.Kind]
		counters[track.Kind]++
		plan := c.planTrack(track, n)
		c.plans = append(c.plans, plan)
	}

	c.registerOutputTracks()
	c.validate()
	return c, nil
}

// planTrack resolves one input track's mode.
func (c *Conversion) planTrack(track *demux.InputTrack, n int) *TrackPlan {
	kindOpts := c.opts.forKind(track.Kind).resolve(track, n)
	plan := &TrackPlan{Input: track, Options: kindOpts}

	if kindOpts.Discard {
		plan.Mode = ModeDiscard
		plan.DiscardReason = ReasonExplicit
		return plan
	}

	target := kindOpts.Codec
	if target == "" {
		target = track.Codec.Codec
	}

	transforms := kindOpts.Codec != "" && kindOpts.Codec != track.Codec.Codec
	transforms = transforms || kindOpts.Crop != nil || kindOpts.Bitrate != 0
	transforms = transforms || (kindOpts.Rotate != nil && *kindOpts.Rotate != track.Codec.Rotation)

	family := c.output.Family()
	if !transforms && codec.Supports(family, track.Kind, track.Codec.Codec) {
		plan.Mode = ModeCopy
		plan.TargetCodec = track.Codec.Codec
		return plan
	}

	if c.opts.NewEncoder != nil && c.opts.NewDecoder != nil && codec.Supports(family, track.Kind, target) {
		plan.Mode = ModeTranscode
		plan.TargetCodec = target
		return plan
	}

	plan.Mode = ModeDiscard
	plan.DiscardReason = ReasonNoEncodableTarget
	return plan
}

// registerOutputTracks adds an OutputTrack for every non-discarded plan
// (tracks must exist before the Output starts). A track the
// Output itself rejects (e.g. a codec the family matrix approved but the
// concrete Output configuration still refuses) is demoted to discarded
// rather than failing the whole conversion.
func (c *Conversion) registerOutputTracks() {
	for _, plan := range c.plans {
		if plan.Mode == ModeDiscard {
			continue
		}
		cfg := c.targetConfig(plan)
		out, err := c.output.AddTrack(plan.Input.Kind, plan.Input.Timescale, cfg)
		if err != nil {
			c.log.Warn("convert: output rejected track, discarding", "track", plan.Input.ID, "error", err)
			plan.Mode = ModeDiscard
			plan.DiscardReason = ReasonOutputRejected
			continue
		}
		if rot := plan.Options.Rotate; rot != nil {
			out.Rotation = *rot
		} else {
			out.Rotation = plan.Input.Codec.Rotation
		}
		plan.output = out
	}
}

func (c *Conversion) targetConfig(plan *TrackPlan) codec.Config {
	if plan.Mode == ModeCopy {
		return plan.Input.Codec
	}
	cfg := plan.Options.TargetConfig
	cfg.Codec = plan.TargetCodec
	if cfg.Width == 0 {
		cfg.Width = plan.Input.Codec.Width
	}
	if cfg.Height == 0 {
		cfg.Height = plan.Input.Codec.Height
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = plan.Input.Codec.SampleRate
	}
	if cfg.ChannelCount == 0 {
		cfg.ChannelCount = plan.Input.Codec.ChannelCount
	}
	return cfg
}

// validate computes isValid: at least one non-discarded track remains and
// the output format accepts the composition.
func (c *Conversion) validate() {
	c.weights = map[*TrackPlan]float64{}
	c.fractions = map[*TrackPlan]float64{}
	var totalDuration float64
	for _, plan := range c.plans {
		if plan.Mode == ModeDiscard {
			continue
		}
		c.isValid = true
		d := float64(plan.Input.DurationUs)
		if d <= 0 {
			d = 1
		}
		totalDuration += d
		c.weights[plan] = d
	}
	if totalDuration > 0 {
		for plan, d := range c.weights {
			c.weights[plan] = d / totalDuration
		}
	}
}

// IsValid reports whether the conversion has at least one retained,
// runnable track.
func (c *Conversion) IsValid() bool { return c.isValid }

// Plans returns the resolved per-track plans, in Input.Tracks() order.
func (c *Conversion) Plans() []*TrackPlan { return c.plans }

// Run executes every retained track's pipeline to completion, firing
// OnProgress periodically, then calls Output.Start before the first packet
// and Output.Finalize once every track is drained. Any track's failure
// cancels the Output and fails the whole conversion.
func (c *Conversion) Run(ctx context.Context) error {
	if !c.isValid {
		return mberrors.New(mberrors.NotReady, "conversion has no retained tracks")
	}
	if c.cancelled.Load() {
		return mberrors.New(mberrors.Cancelled, "conversion was cancelled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.output.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range c.plans {
		if plan.Mode == ModeDiscard {
			continue
		}
		plan := plan
		plan.sink = pipeline.NewEncodedPacketSink(c.input, plan.Input)
		source := pipeline.NewEncodedPacketSource(c.output, plan.output)
		g.Go(func() error {
			return c.runTrack(gctx, plan, source)
		})
	}

	if err := g.Wait(); err != nil {
		_ = c.output.Cancel(ctx)
		return err
	}
	if c.cancelled.Load() {
		return mberrors.New(mberrors.Cancelled, "conversion was cancelled")
	}
	return c.output.Finalize(ctx)
}

// runTrack drives one track's copy or transcode pipeline.
func (c *Conversion) runTrack(ctx context.Context, plan *TrackPlan, source *pipeline.EncodedPacketSource) error {
	gate := newTrimGate(plan.Options.Trim)

	var startOpt []pipeline.PacketsOption
	if plan.Input.Kind == packet.Video && plan.Options.Trim != nil {
		if first, err := plan.sink.GetKeyAtTimestamp(ctx, plan.Options.Trim.startTimestampUs()); err == nil {
			startOpt = append(startOpt, pipeline.WithStartPacket(first))
		}
	}

	it := plan.sink.Packets(ctx, startOpt...)
	defer it.Return()

	var driver *TranscodeDriver
	if plan.Mode == ModeTranscode {
		d, err := c.newDriver(plan)
		if err != nil {
			return err
		}
		driver = d
	}

	for {
		if c.cancelled.Load() {
			return mberrors.New(mberrors.Cancelled, "conversion cancelled")
		}
		pkt, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		switch plan.Mode {
		case ModeCopy:
			newTs, retained := gate.admit(pkt)
			if !retained {
				c.reportProgress(plan, pkt.TimestampUs)
				continue
			}
			shifted := pkt
			shifted.TimestampUs = newTs
			if err := source.Push(ctx, shifted); err != nil {
				return err
			}
		case ModeTranscode:
			if err := driver.submit(ctx, pkt, gate, source); err != nil {
				return err
			}
		}

		c.reportProgress(plan, pkt.TimestampUs)
	}

	if driver != nil {
		if err := driver.flush(ctx, gate, source); err != nil {
			return err
		}
	}
	c.reportProgress(plan, plan.Input.DurationUs)
	return nil
}

func (c *Conversion) reportProgress(plan *TrackPlan, positionUs int64) {
	if c.opts.OnProgress == nil {
		return
	}
	d := plan.Input.DurationUs
	frac := 1.0
	if d > 0 {
		frac = float64(positionUs) / float64(d)
		if frac > 1 {
			frac = 1
		}
		if frac < 0 {
			frac = 0
		}
	}
	c.progressMu.Lock()
	c.fractions[plan] = frac
	var total float64
	for p, w := range c.weights {
		total += w * c.fractions[p]
	}
	c.progressMu.Unlock()
	c.opts.OnProgress(total)
}

// Cancel stops every running pipeline, aborts in-flight work, and cancels
// the Output. Safe to call more than once.
func (c *Conversion) Cancel(ctx context.Context) {
	if !c.cancelled.CompareAndSwap(false, true) {
		return
	}
	_ = c.output.Cancel(ctx)
}

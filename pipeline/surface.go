package pipeline

import "context"

// Canvas is a decoded video frame exposed as a caller-friendly surface.
// The pixel representation is left entirely to the
// Decoder implementation; Canvas only adds the envelope a caller stepping
// through frames needs.
type Canvas struct {
	PresentationTimeUs int64
	DurationUs         int64
	Data               any

	frame Frame
}

// Close releases the canvas's underlying decoded frame.
func (c *Canvas) Close() { c.frame.Close() }

// CanvasSink wraps a VideoSampleSink's decoded frames as Canvas values.
type CanvasSink struct {
	video *VideoSampleSink
}

// NewCanvasSink wraps video.
func NewCanvasSink(video *VideoSampleSink) *CanvasSink {
	return &CanvasSink{video: video}
}

// GetCanvas returns the canvas at usTimestamp.
func (s *CanvasSink) GetCanvas(ctx context.Context, usTimestamp int64) (Canvas, error) {
	f, err := s.video.GetFrame(ctx, usTimestamp)
	if err != nil {
		return Canvas{}, err
	}
	return Canvas{PresentationTimeUs: f.PresentationTimeUs, DurationUs: f.DurationUs, Data: f.Data, frame: f}, nil
}

// AudioBuffer is AudioSampleSink's decoded-output wrapper, analogous to
// Canvas.
type AudioBuffer struct {
	PresentationTimeUs int64
	DurationUs         int64
	SampleRate         int
	ChannelCount       int
	Data               any

	frame Frame
}

// Close releases the buffer's underlying decoded frame.
func (b *AudioBuffer) Close() { b.frame.Close() }

// AudioBufferSink wraps an AudioSampleSink's decoded frames as AudioBuffer
// values.
type AudioBufferSink struct {
	audio *AudioSampleSink
}

// NewAudioBufferSink wraps audio.
func NewAudioBufferSink(audio *AudioSampleSink) *AudioBufferSink {
	return &AudioBufferSink{audio: audio}
}

// GetBuffer returns the buffer at usTimestamp.
func (s *AudioBufferSink) GetBuffer(ctx context.Context, usTimestamp int64) (AudioBuffer, error) {
	f, err := s.audio.GetFrame(ctx, usTimestamp)
	if err != nil {
		return AudioBuffer{}, err
	}
	cfg := s.audio.drv.source.Track().Codec
	return AudioBuffer{
		PresentationTimeUs: f.PresentationTimeUs,
		DurationUs:         f.DurationUs,
		SampleRate:         cfg.SampleRate,
		ChannelCount:       cfg.ChannelCount,
		Data:               f.Data,
		frame:              f,
	}, nil
}

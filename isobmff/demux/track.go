package demux

import (
	"context"
	"sync"

	"github.com/tetsuo/mediabunny/codec"
	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// InputTrack is one elementary stream of an Input.
// Non-fragmented tracks build a SampleTable lazily on first random access;
// fragmented tracks instead resolve samples fragment by fragment through
// the owning Input's fragment cache.
type InputTrack struct {
	ID        uint32
	Kind      packet.TrackKind
	Timescale uint32
	Codec     codec.Config

	DurationUs    int64
	editStartTick int64

	stblNode *isobmff.Node
	input    *Input // weak link: lookup only, never retains beyond Input's lifetime

	trexDefaultDescIdx  uint32
	trexDefaultDuration uint32
	trexDefaultSize     uint32
	trexDefaultFlags    uint32

	tableOnce   sync.Once
	tableErr    error
	sampleTable *SampleTable
}

// EditShiftUs is the presentation-time shift implied by the track's first
// edit-list entry, converted to microseconds.
func (t *InputTrack) EditShiftUs() int64 {
	if t.editStartTick == 0 {
		return 0
	}
	return t.editStartTick * 1_000_000 / int64(t.Timescale)
}

func (t *InputTrack) ensureSampleTable(_ context.Context) (*SampleTable, error) {
	t.tableOnce.Do(func() {
		if t.stblNode == nil {
			t.tableErr = mberrors.New(mberrors.Internal, "track has no stbl (fragmented-only track)")
			return
		}
		pcmEligible := t.Codec.Codec == codec.PCM
		t.sampleTable, t.tableErr = buildSampleTable(t.stblNode, t.Timescale, pcmEligible)
	})
	return t.sampleTable, t.tableErr
}

// NumSamples returns the track's non-fragmented sample count, building the
// SampleTable on first call. Fragmented tracks return 0; use fragment
// iteration instead.
func (t *InputTrack) NumSamples(ctx context.Context) (int, error) {
	if t.input.fragmented {
		return 0, nil
	}
	st, err := t.ensureSampleTable(ctx)
	if err != nil {
		return 0, err
	}
	return st.numSamples, nil
}

// GetSampleInfo resolves a non-fragmented sample index.
func (t *InputTrack) GetSampleInfo(ctx context.Context, index int) (SampleInfo, error) {
	st, err := t.ensureSampleTable(ctx)
	if err != nil {
		return SampleInfo{}, err
	}
	info, ok := st.getSampleInfo(index)
	if !ok {
		return SampleInfo{}, mberrors.New(mberrors.NotReady, "sample index out of range")
	}
	return info, nil
}

// getChunk resolves the sample whose presentation interval contains
// usTimestamp. Non-fragmented tracks
// resolve directly against the SampleTable; fragmented tracks delegate to
// the owning Input's fragment cache.
func (t *InputTrack) getChunk(ctx context.Context, usTimestamp int64) (SampleInfo, error) {
	if t.input.fragmented {
		return t.input.getFragmentedChunk(ctx, t, usTimestamp, false)
	}
	st, err := t.ensureSampleTable(ctx)
	if err != nil {
		return SampleInfo{}, err
	}
	idx, ok := st.searchByTimestamp(usTimestamp)
	if !ok {
		return SampleInfo{}, mberrors.New(mberrors.NotReady, "no sample at timestamp")
	}
	info, _ := st.getSampleInfo(idx)
	return info, nil
}

// getKeyChunk resolves the key sample at or before usTimestamp.
func (t *InputTrack) getKeyChunk(ctx context.Context, usTimestamp int64) (SampleInfo, error) {
	if t.input.fragmented {
		return t.input.getFragmentedChunk(ctx, t, usTimestamp, true)
	}
	st, err := t.ensureSampleTable(ctx)
	if err != nil {
		return SampleInfo{}, err
	}
	idx, ok := st.searchByTimestamp(usTimestamp)
	if !ok {
		return SampleInfo{}, mberrors.New(mberrors.NotReady, "no sample at timestamp")
	}
	for idx >= 0 {
		if info, ok := st.getSampleInfo(idx); ok && info.Key {
			return info, nil
		}
		idx--
	}
	return SampleInfo{}, mberrors.New(mberrors.NotReady, "no key sample before timestamp")
}

// getNextChunk and getNextKeyChunk step forward from a known sample index
// (non-fragmented only; fragmented iteration walks Fragment.Tracks directly).
func (t *InputTrack) getNextChunk(ctx context.Context, index int) (SampleInfo, error) {
	st, err := t.ensureSampleTable(ctx)
	if err != nil {
		return SampleInfo{}, err
	}
	info, ok := st.getSampleInfo(index + 1)
	if !ok {
		return SampleInfo{}, mberrors.New(mberrors.NotReady, "no next sample")
	}
	return info, nil
}

func (t *InputTrack) getNextKeyChunk(ctx context.Context, index int) (SampleInfo, error) {
	st, err := t.ensureSampleTable(ctx)
	if err != nil {
		return SampleInfo{}, err
	}
	for i := index + 1; i < st.numSamples; i++ {
		if info, ok := st.getSampleInfo(i); ok && info.Key {
			return info, nil
		}
	}
	return SampleInfo{}, mberrors.New(mberrors.NotReady, "no next key sample")
}

// getFirstChunk returns sample 0.
func (t *InputTrack) getFirstChunk(ctx context.Context) (SampleInfo, error) {
	if t.input.fragmented {
		return t.input.firstFragmentedSample(ctx, t)
	}
	return t.GetSampleInfo(ctx, 0)
}

// GetFirstSample returns the track's earliest sample.
func (t *InputTrack) GetFirstSample(ctx context.Context) (SampleInfo, error) {
	return t.getFirstChunk(ctx)
}

// GetSampleAtTimestamp resolves the sample whose presentation interval
// contains usTimestamp.
func (t *InputTrack) GetSampleAtTimestamp(ctx context.Context, usTimestamp int64) (SampleInfo, error) {
	return t.getChunk(ctx, usTimestamp)
}

// GetKeySampleAtTimestamp resolves the key sample at or before usTimestamp.
func (t *InputTrack) GetKeySampleAtTimestamp(ctx context.Context, usTimestamp int64) (SampleInfo, error) {
	return t.getKeyChunk(ctx, usTimestamp)
}

// GetNextSample steps forward from current. Non-fragmented tracks step by
// absolute sample
// index; fragmented tracks walk the owning Fragment's track data, crossing
// into the next fragment (discovering it if not yet cached) when current is
// the last sample of its own.
func (t *InputTrack) GetNextSample(ctx context.Context, current SampleInfo) (SampleInfo, error) {
	if t.input.fragmented {
		return t.input.nextFragmentedSample(ctx, t, current, false)
	}
	return t.getNextChunk(ctx, current.Index)
}

// GetNextKeySample is GetNextSample restricted to key samples.
func (t *InputTrack) GetNextKeySample(ctx context.Context, current SampleInfo) (SampleInfo, error) {
	if t.input.fragmented {
		return t.input.nextFragmentedSample(ctx, t, current, true)
	}
	return t.getNextKeyChunk(ctx, current.Index)
}

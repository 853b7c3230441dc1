package demux

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
)

// FragmentTrackData is one track's resolved samples within a single
// moof/mdat pair.
type FragmentTrackData struct {
	TrackID        uint32
	BaseDecodeTick int64
	EndDecodeTick  int64 // cumulative decode tick after the last sample, chains into the next fragment's baseDecodeTick
	Samples        []SampleInfo
}

// Fragment is a parsed moof + its mdat payload span.
type Fragment struct {
	MoofOffset int64
	MoofSize   int64
	DataStart  int64
	DataEnd    int64
	Tracks     map[uint32]*FragmentTrackData
}

func (f *Fragment) latestTimestampUs(trackID uint32) (int64, bool) {
	td, ok := f.Tracks[trackID]
	if !ok || len(td.Samples) == 0 {
		return 0, false
	}
	last := td.Samples[len(td.Samples)-1]
	return last.PresentationTimeUs, true
}

// readFragment parses the moof at offset and its adjoining mdat, resolving
// every traf into a FragmentTrackData via the tfhd defaults and each trun's
// own per-sample fields.
func (in *Input) readFragment(ctx context.Context, offset int64) (*Fragment, error) {
	if err := in.reader.LoadRange(ctx, offset, minI64(offset+in.metadataBudget, in.size)); err != nil {
		return nil, err
	}
	moof, err := isobmff.ParseTree(ctx, in.reader, offset, in.size)
	if err != nil {
		return nil, err
	}
	if moof.Type != isobmff.TypeMoof {
		return nil, fmt.Errorf("expected moof at offset %d, got %s", offset, moof.Type)
	}

	mdatOffset := offset + moof.Size
	mdat, err := isobmff.ParseTree(ctx, in.reader, mdatOffset, in.size)
	if err != nil {
		return nil, err
	}
	dataStart := mdatOffset + int64(mdat.HeaderSize)
	dataEnd := mdatOffset + mdat.Size

	frag := &Fragment{
		MoofOffset: offset,
		MoofSize:   moof.Size,
		DataStart:  dataStart,
		DataEnd:    dataEnd,
		Tracks:     make(map[uint32]*FragmentTrackData),
	}

	for _, traf := range moof.ChildList(isobmff.TypeTraf) {
		tfhd := traf.Child(isobmff.TypeTfhd)
		if tfhd == nil || len(tfhd.Body) < 8 {
			continue
		}
		_, flags := tfhd.FullBoxVersionFlags()
		trackID := be.Uint32(tfhd.Body[4:8])
		track := in.trackByID(trackID)
		if track == nil {
			continue
		}

		ptr := 8
		var baseDataOffset int64
		haveBaseDataOffset := false
		if flags&isobmff.TfhdBaseDataOffsetPresent != 0 {
			baseDataOffset = int64(be.Uint64(tfhd.Body[ptr:]))
			haveBaseDataOffset = true
			ptr += 8
		}
		if flags&isobmff.TfhdSampleDescriptionIndexPresent != 0 {
			ptr += 4
		}
		defaultDuration := track.trexDefaultDuration
		if flags&isobmff.TfhdDefaultSampleDurationPresent != 0 {
			defaultDuration = be.Uint32(tfhd.Body[ptr:])
			ptr += 4
		}
		defaultSize := track.trexDefaultSize
		if flags&isobmff.TfhdDefaultSampleSizePresent != 0 {
			defaultSize = be.Uint32(tfhd.Body[ptr:])
			ptr += 4
		}
		defaultFlags := track.trexDefaultFlags
		if flags&isobmff.TfhdDefaultSampleFlagsPresent != 0 {
			defaultFlags = be.Uint32(tfhd.Body[ptr:])
			ptr += 4
		}

		baseDecodeTick := int64(0)
		haveTfdt := false
		if tfdt := traf.Child(isobmff.TypeTfdt); tfdt != nil && len(tfdt.Body) >= 8 {
			tfdtVersion, _ := tfdt.FullBoxVersionFlags()
			if tfdtVersion == 1 {
				baseDecodeTick = int64(be.Uint64(tfdt.Body[4:12]))
			} else {
				baseDecodeTick = int64(be.Uint32(tfdt.Body[4:8]))
			}
			haveTfdt = true
		}
		if !haveTfdt {
			resolved, err := in.resolveBaseDecodeTick(ctx, track, offset)
			if err != nil {
				return nil, err
			}
			baseDecodeTick = resolved
		}

		td := &FragmentTrackData{TrackID: trackID, BaseDecodeTick: baseDecodeTick}

		cumDecodeTick := baseDecodeTick
		for _, trunNode := range traf.ChildList(isobmff.TypeTrun) {
			_, trunFlags := trunNode.FullBoxVersionFlags()
			trunIter := isobmff.NewTrunIter(trunNode.Body[4:], trunFlags)

			// Without an explicit base-data-offset the base is the moof start
			// (default-base-is-moof, the layout every contemporary muxer
			// including our own emits).
			dataOffset := offset
			if haveBaseDataOffset {
				dataOffset = baseDataOffset
			}
			if trunFlags&isobmff.TrunDataOffsetPresent != 0 {
				dataOffset += int64(trunIter.DataOffset())
			}

			runningOffset := dataOffset
			for {
				e, ok := trunIter.Next()
				if !ok {
					break
				}
				dur := e.Duration
				if trunFlags&isobmff.TrunSampleDurationPresent == 0 {
					dur = defaultDuration
				}
				size := e.Size
				if trunFlags&isobmff.TrunSampleSizePresent == 0 {
					size = defaultSize
				}
				key := e.IsKey()
				if trunFlags&isobmff.TrunSampleFlagsPresent == 0 {
					key = (defaultFlags & isobmff.SampleFlagsSyncBit) == 0
				}

				dtsUs := ticksToMicros(cumDecodeTick, track.Timescale)
				ptsTick := cumDecodeTick + int64(e.CompositionTimeOffset)
				td.Samples = append(td.Samples, SampleInfo{
					Index:              len(td.Samples),
					DecodeTimestampUs:  dtsUs,
					PresentationTimeUs: ticksToMicros(ptsTick, track.Timescale),
					DurationUs:         ticksToMicros(cumDecodeTick+int64(dur), track.Timescale) - dtsUs,
					Offset:             runningOffset,
					Size:               size,
					Key:                key,
				})

				runningOffset += int64(size)
				cumDecodeTick += int64(dur)
			}
		}

		td.EndDecodeTick = cumDecodeTick
		frag.Tracks[trackID] = td
	}

	return frag, nil
}

// resolveBaseDecodeTick is the fallback for a traf
// with no tfdt: step back to a fragmentLookup (mfra/tfra) entry at or before
// moofOffset if one names this exact fragment, otherwise walk forward from
// file start accumulating each strictly preceding fragment's end decode tick
// for track. The walk only ever parses fragments before moofOffset, so it
// terminates even when those fragments also lack a tfdt.
func (in *Input) resolveBaseDecodeTick(ctx context.Context, track *InputTrack, moofOffset int64) (int64, error) {
	if lookup, ok := in.fragmentLookup[track.ID]; ok {
		bestOffset := int64(-1)
		var bestTime int64
		for _, e := range lookup {
			if e.MoofOffset <= moofOffset && e.MoofOffset > bestOffset {
				bestOffset, bestTime = e.MoofOffset, e.Time
			}
		}
		if bestOffset == moofOffset {
			return bestTime, nil
		}
	}

	var cum int64
	pos := int64(0)
	for {
		next, err := in.locateNextMoof(ctx, pos)
		if err != nil || next >= moofOffset {
			break
		}
		frag, err := in.fragmentAt(ctx, next)
		if err != nil {
			break
		}
		if td, ok := frag.Tracks[track.ID]; ok {
			cum = td.EndDecodeTick
		}
		pos = next + 1
	}
	return cum, nil
}

// locateNextMoof walks box headers from pos looking for the next moof's
// offset, without parsing its traf/trun contents.
func (in *Input) locateNextMoof(ctx context.Context, pos int64) (int64, error) {
	for pos < in.size {
		if err := in.reader.LoadRange(ctx, pos, minI64(pos+16, in.size)); err != nil {
			return 0, err
		}
		node, err := isobmff.ParseTree(ctx, in.reader, pos, in.size)
		if err != nil {
			return 0, err
		}
		if node.Type == isobmff.TypeMoof {
			return pos, nil
		}
		pos += node.Size
	}
	return 0, mberrors.New(mberrors.NotReady, "no further fragments")
}

func (in *Input) trackByID(id uint32) *InputTrack {
	for _, t := range in.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// discoverNextFragment walks forward from the last known fragment (or file
// start) looking for the next moof, used when the mfra table is absent or
// exhausted.
func (in *Input) discoverNextFragment(ctx context.Context, afterOffset int64) (*Fragment, error) {
	pos := afterOffset
	for pos < in.size {
		if err := in.reader.LoadRange(ctx, pos, minI64(pos+16, in.size)); err != nil {
			return nil, err
		}
		node, err := isobmff.ParseTree(ctx, in.reader, pos, in.size)
		if err != nil {
			return nil, err
		}
		if node.Type == isobmff.TypeMoof {
			return in.readFragment(ctx, pos)
		}
		pos += node.Size
	}
	return nil, mberrors.New(mberrors.NotReady, "no further fragments")
}

// insertFragment inserts frag into in.fragments, keeping the slice sorted
// by MoofOffset, serialized by in.fragMu so concurrent lookups never
// discover the same fragment twice.
func (in *Input) insertFragment(frag *Fragment) {
	in.fragMu.Lock()
	defer in.fragMu.Unlock()
	i := sort.Search(len(in.fragments), func(i int) bool {
		return in.fragments[i].MoofOffset >= frag.MoofOffset
	})
	if i < len(in.fragments) && in.fragments[i].MoofOffset == frag.MoofOffset {
		return
	}
	in.fragments = append(in.fragments, nil)
	copy(in.fragments[i+1:], in.fragments[i:])
	in.fragments[i] = frag
}

// getFragmentedChunk resolves usTimestamp for track in a fragmented file
//: consult the mfra lookup table if present to seed a starting
// fragment, otherwise fall back to forward byte-walk discovery, capped so
// the search never walks past a fragment whose last sample already exceeds
// usTimestamp.
func (in *Input) getFragmentedChunk(ctx context.Context, track *InputTrack, usTimestamp int64, keyOnly bool) (SampleInfo, error) {
	startOffset := int64(0)
	if lookup, ok := in.fragmentLookup[track.ID]; ok && len(lookup) > 0 {
		targetTick := usTimestamp * int64(track.Timescale) / 1_000_000
		lo, hi := 0, len(lookup)
		for lo < hi {
			mid := (lo + hi) / 2
			if lookup[mid].Time <= targetTick {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			startOffset = lookup[lo-1].MoofOffset
		}
	}

	var frag *Fragment
	var err error
	if startOffset > 0 {
		frag, err = in.fragmentAt(ctx, startOffset)
	} else {
		// No lookup entry seeds the search: byte-walk from the file start
		// past ftyp/moov to the first moof.
		frag, err = in.discoverNextFragment(ctx, 0)
		if err == nil {
			in.insertFragment(frag)
		}
	}
	if err != nil {
		return SampleInfo{}, err
	}

	var best SampleInfo
	haveBest := false
	for {
		if td, ok := frag.Tracks[track.ID]; ok {
			for _, s := range td.Samples {
				if s.PresentationTimeUs > usTimestamp {
					continue
				}
				if keyOnly && !s.Key {
					continue
				}
				if !haveBest || s.PresentationTimeUs > best.PresentationTimeUs {
					best, haveBest = s, true
				}
			}
		}
		// A fragment reaching past the target cannot be bettered by a later
		// one (fragments are emitted in strictly increasing time).
		last, hasSamples := frag.latestTimestampUs(track.ID)
		if hasSamples && last > usTimestamp {
			break
		}
		next, err := in.discoverNextFragment(ctx, frag.MoofOffset+1)
		if err != nil {
			break
		}
		in.insertFragment(next)
		frag = next
	}

	if haveBest {
		return best, nil
	}
	return SampleInfo{}, mberrors.New(mberrors.NotReady, "no sample found at timestamp")
}

// nextFragmentedSample steps forward from current within its owning
// Fragment, crossing into subsequently-discovered fragments as needed, the
// fragmented counterpart of getNextChunk/getNextKeyChunk.
func (in *Input) nextFragmentedSample(ctx context.Context, track *InputTrack, current SampleInfo, keyOnly bool) (SampleInfo, error) {
	frag, ok := in.fragmentContaining(current.Offset)
	if !ok {
		return SampleInfo{}, mberrors.New(mberrors.Internal, "current sample's fragment is not cached")
	}
	startIndex := current.Index + 1
	for {
		if td, ok := frag.Tracks[track.ID]; ok {
			for i := startIndex; i < len(td.Samples); i++ {
				s := td.Samples[i]
				if keyOnly && !s.Key {
					continue
				}
				return s, nil
			}
		}
		next, err := in.discoverNextFragment(ctx, frag.MoofOffset+1)
		if err != nil {
			return SampleInfo{}, mberrors.New(mberrors.NotReady, "no next sample")
		}
		in.insertFragment(next)
		frag = next
		startIndex = 0
	}
}

// firstFragmentedSample walks fragments from the file start and returns the
// first one carrying samples for track, yielding its leading sample.
func (in *Input) firstFragmentedSample(ctx context.Context, track *InputTrack) (SampleInfo, error) {
	pos := int64(0)
	for {
		frag, err := in.discoverNextFragment(ctx, pos)
		if err != nil {
			return SampleInfo{}, err
		}
		in.insertFragment(frag)
		if td, ok := frag.Tracks[track.ID]; ok && len(td.Samples) > 0 {
			return td.Samples[0], nil
		}
		pos = frag.MoofOffset + 1
	}
}

// fragmentContaining returns the cached Fragment whose mdat span contains
// offset, if any.
func (in *Input) fragmentContaining(offset int64) (*Fragment, bool) {
	in.fragMu.Lock()
	defer in.fragMu.Unlock()
	for _, f := range in.fragments {
		if offset >= f.DataStart && offset < f.DataEnd {
			return f, true
		}
	}
	return nil, false
}

// fragmentAt returns the cached Fragment starting at offset, parsing and
// caching it if necessary.
func (in *Input) fragmentAt(ctx context.Context, offset int64) (*Fragment, error) {
	in.fragMu.Lock()
	for _, f := range in.fragments {
		if f.MoofOffset == offset {
			in.fragMu.Unlock()
			return f, nil
		}
	}
	in.fragMu.Unlock()

	frag, err := in.readFragment(ctx, offset)
	if err != nil {
		return nil, err
	}
	in.insertFragment(frag)
	return frag, nil
}

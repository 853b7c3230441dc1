package demux

import (
	"sort"

	"github.com/tetsuo/mediabunny/isobmff"
	"github.com/tetsuo/mediabunny/mberrors"
)

// SampleInfo is the resolved per-sample record returned by getSampleInfo.
type SampleInfo struct {
	Index               int
	DecodeTimestampUs   int64
	PresentationTimeUs  int64
	DurationUs          int64
	Offset              int64
	Size                uint32
	Key                 bool
}

// SampleTable is the non-fragmented per-track index built lazily on first
// random access. All run-length tables are pre-expanded
// into parallel per-sample-run arrays for O(log n) lookup; a single
// timescale tick resolves cheaply against these without re-walking boxes.
type SampleTable struct {
	timescale uint32

	// Decode timing: cumulative decode timestamp (ticks) at the start of
	// each stts run, and the run's (count, delta).
	sttsRuns []isobmff.SttsEntry
	sttsBase []int64 // decode tick at the start of run i

	cttsRuns        []isobmff.CttsEntry
	presentationPts []int64 // sorted, parallel to presentationIdx, only if ctts present
	presentationIdx []int

	sampleSizes  []uint32 // len 0 means constant size below
	constantSize uint32

	stscRuns       []isobmff.StscEntry
	stscStartIndex []uint32 // absolute first-sample-index per run

	chunkOffsets []int64

	keySampleIndices []uint32 // sorted, 1-based sample numbers; nil means every sample is key

	numSamples int

	pcmCollapsed bool
}

// buildSampleTable walks stbl into a SampleTable, keeping the compact run
// tables instead of materializing one record per sample index.
func buildSampleTable(stbl *isobmff.Node, timescale uint32, pcmEligible bool) (*SampleTable, error) {
	stsz := stbl.Child(isobmff.TypeStsz)
	stz2 := stbl.Child(isobmff.TypeStz2)
	stts := stbl.Child(isobmff.TypeStts)
	stsc := stbl.Child(isobmff.TypeStsc)
	if stts == nil || stsc == nil || (stsz == nil && stz2 == nil) {
		return nil, mberrors.New(mberrors.Malformed, "stbl missing stts/stsc/stsz")
	}

	st := &SampleTable{timescale: timescale}

	sttsIter := isobmff.NewSttsIter(stts.Body[4:])
	var cum int64
	for {
		e, ok := sttsIter.Next()
		if !ok {
			break
		}
		st.sttsRuns = append(st.sttsRuns, e)
		st.sttsBase = append(st.sttsBase, cum)
		cum += int64(e.Count) * int64(e.Duration)
	}

	if ctts := stbl.Child(isobmff.TypeCtts); ctts != nil {
		st.cttsRuns = isobmff.AllCttsEntries(ctts.Body[4:])
	}

	if stsz != nil {
		iter := isobmff.NewStszIter(stsz.Body[4:])
		if constant, ok := iter.ConstantSize(); ok {
			st.constantSize = constant
			st.numSamples = int(iter.Count())
		} else {
			for {
				v, ok := iter.Next()
				if !ok {
					break
				}
				st.sampleSizes = append(st.sampleSizes, v)
			}
			st.numSamples = len(st.sampleSizes)
		}
	} else {
		// stz2: fullbox header, then reserved(3)+field_size(1), then sample_count(4).
		body := stz2.Body
		if len(body) >= 12 {
			st.numSamples = int(be.Uint32(body[8:12]))
		}
	}

	stscEntries := isobmff.AllStscEntries(stsc.Body[4:])
	st.stscRuns = stscEntries
	st.stscStartIndex = make([]uint32, len(stscEntries))
	var absSample uint32
	for i, e := range stscEntries {
		st.stscStartIndex[i] = absSample
		var chunkCount uint32
		if i+1 < len(stscEntries) {
			chunkCount = stscEntries[i+1].FirstChunk - e.FirstChunk
		} else {
			chunkCount = 1 << 31 // unbounded: resolved against chunkOffsets length at lookup time
		}
		absSample += chunkCount * e.SamplesPerChunk
	}

	if co64 := stbl.Child(isobmff.TypeCo64); co64 != nil {
		it := isobmff.NewCo64Iter(co64.Body[4:])
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			st.chunkOffsets = append(st.chunkOffsets, int64(v))
		}
	} else if stco := stbl.Child(isobmff.TypeStco); stco != nil {
		it := isobmff.NewUint32Iter(stco.Body[4:])
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			st.chunkOffsets = append(st.chunkOffsets, int64(v))
		}
	} else {
		return nil, mberrors.New(mberrors.Malformed, "stbl missing stco/co64")
	}

	if stss := stbl.Child(isobmff.TypeStss); stss != nil {
		it := isobmff.NewUint32Iter(stss.Body[4:])
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			st.keySampleIndices = append(st.keySampleIndices, v)
		}
	}

	hasCompositionOffsets := false
	for _, e := range st.cttsRuns {
		if e.Offset != 0 {
			hasCompositionOffsets = true
			break
		}
	}
	if hasCompositionOffsets {
		st.materializePresentationIndex()
	}

	if pcmEligible && !hasCompositionOffsets {
		st.collapsePCMChunks()
	}

	return st, nil
}

// materializePresentationIndex builds the sorted (pts, sampleIndex) list
// used for pts-indexed lookup when composition offsets are non-zero.
func (st *SampleTable) materializePresentationIndex() {
	type kv struct {
		pts int64
		idx int
	}
	pairs := make([]kv, 0, st.numSamples)
	cttsIdx, cttsOff := 0, 0
	for i := 0; i < st.numSamples; i++ {
		dts := st.decodeTimestampTicks(i)
		var offset int32
		if cttsIdx < len(st.cttsRuns) {
			offset = st.cttsRuns[cttsIdx].Offset
		}
		pairs = append(pairs, kv{pts: dts + int64(offset), idx: i})
		if cttsIdx < len(st.cttsRuns) {
			cttsOff++
			if cttsOff >= int(st.cttsRuns[cttsIdx].Count) {
				cttsIdx++
				cttsOff = 0
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].pts < pairs[j].pts })
	st.presentationPts = make([]int64, len(pairs))
	st.presentationIdx = make([]int, len(pairs))
	for i, p := range pairs {
		st.presentationPts[i] = p.pts
		st.presentationIdx[i] = p.idx
	}
}

// collapsePCMChunks implements the PCM optimization: each
// chunk becomes one logical sample whose size and duration sum the chunk's
// original per-sample values, provided there are no composition offsets.
// After this runs, one getSampleInfo index addresses a whole chunk's worth
// of raw PCM instead of one frame.
func (st *SampleTable) collapsePCMChunks() {
	if len(st.sampleSizes) == 0 {
		// Constant sample size: samples-per-chunk already gives a cheap
		// multiply at lookup time without needing to rewrite the table.
		return
	}
	// Only collapse when every stsc run has a uniform samplesPerChunk,
	// matching the common PCM encoder layout; mixed layouts are left
	// uncollapsed rather than risk misrepresenting chunk boundaries.
	for i := 1; i < len(st.stscRuns); i++ {
		if st.stscRuns[i].SamplesPerChunk != st.stscRuns[0].SamplesPerChunk {
			return
		}
	}
	numChunks := len(st.chunkOffsets)
	if numChunks == 0 {
		return
	}

	sizes := make([]uint32, 0, numChunks)
	var sttsRuns []isobmff.SttsEntry
	var sttsBase []int64
	var keyChunks []uint32
	var cum int64
	sampleIdx := 0
	for c := 0; c < numChunks && sampleIdx < st.numSamples; c++ {
		_, _, samplesPerChunk := st.chunkForSample(sampleIdx)
		if samplesPerChunk == 0 {
			samplesPerChunk = 1
		}
		n := int(samplesPerChunk)
		if sampleIdx+n > st.numSamples {
			n = st.numSamples - sampleIdx
		}

		var size uint32
		var dur int64
		key := false
		for i := 0; i < n; i++ {
			size += st.sampleSize(sampleIdx + i)
			dur += st.durationTicks(sampleIdx + i)
			if st.isKey(sampleIdx + i) {
				key = true
			}
		}
		sizes = append(sizes, size)
		if n := len(sttsRuns); n > 0 && int64(sttsRuns[n-1].Duration) == dur {
			sttsRuns[n-1].Count++
		} else {
			sttsRuns = append(sttsRuns, isobmff.SttsEntry{Count: 1, Duration: uint32(dur)})
			sttsBase = append(sttsBase, cum)
		}
		cum += dur
		if key {
			keyChunks = append(keyChunks, uint32(c+1))
		}
		sampleIdx += n
	}

	st.sampleSizes = sizes
	st.sttsRuns = sttsRuns
	st.sttsBase = sttsBase
	st.stscRuns = []isobmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}}
	st.stscStartIndex = []uint32{0}
	if len(keyChunks) != len(sizes) {
		st.keySampleIndices = keyChunks
	} else {
		st.keySampleIndices = nil
	}
	st.numSamples = len(sizes)
	st.pcmCollapsed = true
}

func (st *SampleTable) decodeTimestampTicks(index int) int64 {
	run, off := st.sttsRunForIndex(index)
	return st.sttsBase[run] + int64(off)*int64(st.sttsRuns[run].Duration)
}

func (st *SampleTable) sttsRunForIndex(index int) (run, offsetInRun int) {
	remaining := index
	for i, e := range st.sttsRuns {
		if remaining < int(e.Count) {
			return i, remaining
		}
		remaining -= int(e.Count)
	}
	last := len(st.sttsRuns) - 1
	if last < 0 {
		return 0, 0
	}
	return last, int(st.sttsRuns[last].Count) - 1
}

func (st *SampleTable) durationTicks(index int) int64 {
	run, _ := st.sttsRunForIndex(index)
	if run >= len(st.sttsRuns) {
		return 0
	}
	return int64(st.sttsRuns[run].Duration)
}

func (st *SampleTable) compositionOffset(index int) int32 {
	if len(st.cttsRuns) == 0 {
		return 0
	}
	remaining := index
	for _, e := range st.cttsRuns {
		if remaining < int(e.Count) {
			return e.Offset
		}
		remaining -= int(e.Count)
	}
	return 0
}

func (st *SampleTable) sampleSize(index int) uint32 {
	if len(st.sampleSizes) == 0 {
		return st.constantSize
	}
	if index < 0 || index >= len(st.sampleSizes) {
		return 0
	}
	return st.sampleSizes[index]
}

// chunkForSample resolves sample index to (chunkIndex, firstSampleOfChunk,
// samplesPerChunk) via the stsc run table.
func (st *SampleTable) chunkForSample(index int) (chunkIndex int, firstSampleOfChunk int, samplesPerChunk uint32) {
	runIdx := 0
	for i := len(st.stscRuns) - 1; i >= 0; i-- {
		if uint32(index) >= st.stscStartIndex[i] {
			runIdx = i
			break
		}
	}
	run := st.stscRuns[runIdx]
	samplesPerChunk = run.SamplesPerChunk
	if samplesPerChunk == 0 {
		return 0, 0, 0
	}
	samplesIntoRun := uint32(index) - st.stscStartIndex[runIdx]
	chunkOffsetInRun := samplesIntoRun / samplesPerChunk
	chunkIndex = int(run.FirstChunk-1) + int(chunkOffsetInRun)
	firstSampleOfChunk = index - int(samplesIntoRun%samplesPerChunk)
	return chunkIndex, firstSampleOfChunk, samplesPerChunk
}

func (st *SampleTable) isKey(index int) bool {
	if st.keySampleIndices == nil {
		return true
	}
	target := uint32(index + 1)
	lo, hi := 0, len(st.keySampleIndices)
	for lo < hi {
		mid := (lo + hi) / 2
		if st.keySampleIndices[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(st.keySampleIndices) && st.keySampleIndices[lo] == target
}

// getSampleInfo resolves a sample index to a fully-populated SampleInfo:
// timing run, composition run, size, chunk offset, key flag.
func (st *SampleTable) getSampleInfo(index int) (SampleInfo, bool) {
	if index < 0 || index >= st.numSamples {
		return SampleInfo{}, false
	}
	dts := st.decodeTimestampTicks(index)
	dur := st.durationTicks(index)
	offset := int32(0)
	if len(st.cttsRuns) > 0 {
		offset = st.compositionOffset(index)
	}
	size := st.sampleSize(index)

	chunkIdx, firstSample, _ := st.chunkForSample(index)
	if chunkIdx < 0 || chunkIdx >= len(st.chunkOffsets) {
		return SampleInfo{}, false
	}
	base := st.chunkOffsets[chunkIdx]
	var byteOffset int64
	if len(st.sampleSizes) == 0 {
		byteOffset = base + int64(index-firstSample)*int64(st.constantSize)
	} else {
		for i := firstSample; i < index; i++ {
			byteOffset += int64(st.sampleSizes[i])
		}
		byteOffset += base
	}

	return SampleInfo{
		Index:              index,
		DecodeTimestampUs:  ticksToMicros(dts, st.timescale),
		PresentationTimeUs: ticksToMicros(dts+int64(offset), st.timescale),
		DurationUs:         ticksToMicros(dts+dur, st.timescale) - ticksToMicros(dts, st.timescale),
		Offset:             byteOffset,
		Size:               size,
		Key:                st.isKey(index),
	}, true
}

func ticksToMicros(ticks int64, timescale uint32) int64 {
	return ticks * 1_000_000 / int64(timescale)
}

// searchByTimestamp binary-searches the presentation (if ctts present) or
// decode timeline for the sample at or immediately before usTimestamp,
// rounding the query down to the nearest timescale tick first.
func (st *SampleTable) searchByTimestamp(usTimestamp int64) (int, bool) {
	if st.numSamples == 0 {
		return 0, false
	}
	if len(st.presentationPts) > 0 {
		targetTicks := usTimestamp * int64(st.timescale) / 1_000_000
		lo, hi := 0, len(st.presentationPts)
		for lo < hi {
			mid := (lo + hi) / 2
			if st.presentationPts[mid] <= targetTicks {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo == 0 {
			return st.presentationIdx[0], true
		}
		return st.presentationIdx[lo-1], true
	}
	targetTicks := usTimestamp * int64(st.timescale) / 1_000_000
	lo, hi := 0, len(st.sttsRuns)
	for lo < hi {
		mid := (lo + hi) / 2
		if st.sttsBase[mid] <= targetTicks {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	run := lo - 1
	if run < 0 {
		return 0, true
	}
	e := st.sttsRuns[run]
	offsetInRun := int((targetTicks - st.sttsBase[run]) / int64(e.Duration))
	if offsetInRun >= int(e.Count) {
		offsetInRun = int(e.Count) - 1
	}
	idx := 0
	for i := 0; i < run; i++ {
		idx += int(st.sttsRuns[i].Count)
	}
	idx += offsetInRun
	return idx, true
}

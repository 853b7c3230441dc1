package convert

import "github.com/tetsuo/mediabunny/packet"

// trimGate decides, per packet, whether a track's TrimWindow retains it and
// what its rebased timestamp is.
type trimGate struct {
	window     *TrimWindow
	haveFirst  bool
	firstPtsUs int64
}

func newTrimGate(window *TrimWindow) *trimGate {
	return &trimGate{window: window}
}

// overlaps reports whether [pts, pts+duration) intersects [start, end).
func overlaps(ptsUs, durationUs, startUs, endUs int64) bool {
	end := ptsUs + durationUs
	return ptsUs < endUs && end > startUs
}

// admit reports whether pkt is retained and, if so, its rebased timestamp
// (the earliest retained packet lands at 0). Without a window every packet
// is retained with its timestamp unchanged.
func (g *trimGate) admit(pkt packet.EncodedPacket) (int64, bool) {
	if g.window == nil {
		return pkt.TimestampUs, true
	}
	if !overlaps(pkt.TimestampUs, pkt.DurationUs, g.window.StartUs, g.window.EndUs) {
		return 0, false
	}
	if !g.haveFirst {
		g.haveFirst = true
		g.firstPtsUs = pkt.TimestampUs
	}
	return pkt.TimestampUs - g.firstPtsUs, true
}

// startTimestampUs returns the window's start, or 0 if there is none, for
// locating the key packet a video track's transcode pass must prime from.
func (w *TrimWindow) startTimestampUs() int64 {
	if w == nil {
		return 0
	}
	return w.StartUs
}

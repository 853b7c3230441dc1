package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/tetsuo/mediabunny/mberrors"
	"github.com/tetsuo/mediabunny/packet"
)

// PacketsOption configures a Packets sequence.
type PacketsOption func(*packetsConfig)

type packetsConfig struct {
	start          *packet.EncodedPacket
	endTimestampUs *int64
}

// WithStartPacket begins iteration at start instead of the track's first
// packet.
func WithStartPacket(start packet.EncodedPacket) PacketsOption {
	return func(c *packetsConfig) { c.start = &start }
}

// WithEndTimestamp stops iteration once a packet's timestamp reaches usEnd.
func WithEndTimestamp(usEnd int64) PacketsOption {
	return func(c *packetsConfig) { c.endTimestampUs = &usEnd }
}

// PacketIterator is a lazily-prefetching packet sequence. A background
// goroutine walks
// the sink via GetFirst/GetNext and queues results; the queue's capacity
// is the number of packets produced in the last second (at least 2) rather
// than a fixed size, so a slow consumer throttles the producer instead of
// letting it race ahead.
type PacketIterator struct {
	sink *EncodedPacketSink
	cfg  packetsConfig

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []packet.EncodedPacket
	recentSends []time.Time
	terminated  bool
	err         error
}

// Packets starts a PacketIterator over s.
func (s *EncodedPacketSink) Packets(ctx context.Context, opts ...PacketsOption) *PacketIterator {
	var cfg packetsConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	it := &PacketIterator{sink: s, cfg: cfg}
	it.cond = sync.NewCond(&it.mu)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		it.Return()
	}()
	go func() {
		defer cancel()
		it.produce(ctx)
	}()
	return it
}

// capacityLocked returns max(2, packets-produced-in-the-last-second), the
// iterator's queue bound, pruning stale entries from recentSends as a side
// effect. Must be called with it.mu held.
func (it *PacketIterator) capacityLocked() int {
	cutoff := time.Now().Add(-time.Second)
	kept := it.recentSends[:0]
	for _, t := range it.recentSends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	it.recentSends = kept
	if len(kept) < 2 {
		return 2
	}
	return len(kept)
}

// produce walks the sink and pushes results into the queue until the end
// condition is reached, an error occurs, or the consumer cancels.
func (it *PacketIterator) produce(ctx context.Context) {
	current, err := it.start(ctx)
	for {
		if err != nil {
			// Walking off the end of the track surfaces as NotReady from the
			// demuxer; to the consumer that is clean exhaustion, not a fault.
			if mberrors.Is(err, mberrors.NotReady) {
				err = nil
			}
			it.finish(err)
			return
		}
		if it.cfg.endTimestampUs != nil && current.TimestampUs >= *it.cfg.endTimestampUs {
			it.finish(nil)
			return
		}
		if !it.push(current) {
			return
		}
		current, err = it.sink.GetNext(ctx, current)
	}
}

func (it *PacketIterator) start(ctx context.Context) (packet.EncodedPacket, error) {
	if it.cfg.start != nil {
		return *it.cfg.start, nil
	}
	return it.sink.GetFirst(ctx)
}

// push enqueues pkt, blocking until the queue has room or the iterator is
// terminated. Reports whether the push succeeded.
func (it *PacketIterator) push(pkt packet.EncodedPacket) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	for len(it.queue) >= it.capacityLocked() && !it.terminated {
		it.cond.Wait()
	}
	if it.terminated {
		return false
	}
	it.queue = append(it.queue, pkt)
	it.recentSends = append(it.recentSends, time.Now())
	it.cond.Broadcast()
	return true
}

func (it *PacketIterator) finish(err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.err = err
	it.terminated = true
	it.cond.Broadcast()
}

// Next blocks until a packet is available, the sequence ends, or an error
// occurs. ok is false exactly when the sequence is exhausted (err may still
// be nil in that case).
func (it *PacketIterator) Next() (pkt packet.EncodedPacket, ok bool, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for len(it.queue) == 0 && !it.terminated {
		it.cond.Wait()
	}
	if len(it.queue) > 0 {
		pkt = it.queue[0]
		it.queue = it.queue[1:]
		it.cond.Broadcast()
		return pkt, true, nil
	}
	return packet.EncodedPacket{}, false, it.err
}

// Return stops the iterator early, releasing any goroutine blocked producing
// into it.
func (it *PacketIterator) Return() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.terminated = true
	it.cond.Broadcast()
}

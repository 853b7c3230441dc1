package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mediabunny/packet"
)

func newTestIterator() *PacketIterator {
	it := &PacketIterator{}
	it.cond = sync.NewCond(&it.mu)
	return it
}

func TestCapacityLockedFloorsAtTwo(t *testing.T) {
	it := newTestIterator()
	it.mu.Lock()
	assert.Equal(t, 2, it.capacityLocked())
	it.mu.Unlock()
}

func TestCapacityLockedTracksRecentSends(t *testing.T) {
	it := newTestIterator()
	it.mu.Lock()
	it.recentSends = []time.Time{time.Now(), time.Now(), time.Now()}
	assert.Equal(t, 3, it.capacityLocked())
	it.mu.Unlock()
}

func TestCapacityLockedPrunesStaleEntries(t *testing.T) {
	it := newTestIterator()
	it.mu.Lock()
	it.recentSends = []time.Time{
		time.Now().Add(-2 * time.Second),
		time.Now(),
		time.Now(),
		time.Now(),
	}
	assert.Equal(t, 3, it.capacityLocked())
	it.mu.Unlock()
}

func TestPushAndNextDeliverInOrder(t *testing.T) {
	it := newTestIterator()

	go func() {
		it.push(packet.EncodedPacket{TimestampUs: 0})
		it.push(packet.EncodedPacket{TimestampUs: 1000})
		it.finish(nil)
	}()

	p1, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), p1.TimestampUs)

	p2, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1000), p2.TimestampUs)

	_, ok, err = it.Next()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestReturnUnblocksPendingPush(t *testing.T) {
	it := newTestIterator()
	// A queue already at capacity (capacityLocked floors at 2 with no
	// recent sends) makes the next push block until Return.
	it.queue = make([]packet.EncodedPacket, 2)

	done := make(chan bool, 1)
	go func() {
		done <- it.push(packet.EncodedPacket{})
	}()

	time.Sleep(20 * time.Millisecond)
	it.Return()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after Return")
	}
}

func TestNextSurfacesFinishError(t *testing.T) {
	it := newTestIterator()
	boom := assertError("boom")
	it.finish(boom)

	_, ok, err := it.Next()
	assert.False(t, ok)
	assert.Equal(t, boom, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }

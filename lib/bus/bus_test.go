package bus

import (
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string) *nostr.Event {
	return &nostr.Event{ID: id, Kind: 1}
}

func TestEnqueueAndDrain(t *testing.T) {
	q := NewQueue(4)

	require.True(t, q.Enqueue(testEvent("a")))
	require.True(t, q.Enqueue(testEvent("b")))

	assert.Equal(t, "a", (<-q.Events()).ID)
	assert.Equal(t, "b", (<-q.Events()).ID)
}

func TestOverflowDropsOldest(t *testing.T) {
	q := NewQueue(2)

	require.True(t, q.Enqueue(testEvent("a")))
	require.True(t, q.Enqueue(testEvent("b")))
	require.True(t, q.Enqueue(testEvent("c")), "enqueue on a full queue must not block")

	assert.Equal(t, uint64(1), q.Dropped())

	// Oldest entry was discarded to make room
	assert.Equal(t, "b", (<-q.Events()).ID)
	assert.Equal(t, "c", (<-q.Events()).ID)
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	q := NewQueue(2)
	q.Close()

	assert.False(t, q.Enqueue(testEvent("a")), "delivery to a closed queue is lost, not an error")
}

func TestCloseIsIdempotent(t *testing.T) {
	q := NewQueue(2)
	require.True(t, q.Enqueue(testEvent("a")))

	q.Close()
	q.Close()

	// Pending events still drain, then the channel reports closed
	ev, ok := <-q.Events()
	require.True(t, ok)
	assert.Equal(t, "a", ev.ID)

	_, ok = <-q.Events()
	assert.False(t, ok)
}

func TestZeroCapacityFallsBackToDefault(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < DefaultQueueSize; i++ {
		require.True(t, q.Enqueue(testEvent(fmt.Sprintf("%d", i))))
	}
	assert.Equal(t, uint64(0), q.Dropped())
}

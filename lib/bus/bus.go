// Package bus decouples the filter index's match notifications from the
// owning session's outbound stream. Every subscription gets its own bounded
// queue so one slow consumer never stalls the publishing path.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relayforge/relayforge/lib/logging"
)

// DefaultQueueSize is used when the configured delivery queue size is
// missing or nonsensical.
const DefaultQueueSize = 64

// Queue is one subscription's delivery channel. Enqueue never blocks: when
// the queue is full the oldest pending event is dropped to make room
// (drop-oldest policy). Enqueueing on a closed queue is a silent no-op —
// the subscription is gone and the delivery is simply lost.
type Queue struct {
	mu      sync.Mutex
	ch      chan *nostr.Event
	closed  bool
	dropped atomic.Uint64
}

// NewQueue creates a delivery queue holding up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{ch: make(chan *nostr.Event, capacity)}
}

// Enqueue offers an event to the queue without blocking. It reports whether
// the event was accepted; false means the queue is already closed.
func (q *Queue) Enqueue(event *nostr.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	for {
		select {
		case q.ch <- event:
			return true
		default:
		}
		// Full: drop the oldest pending event and retry. The consumer may
		// have drained concurrently, hence the loop.
		select {
		case <-q.ch:
			q.dropped.Add(1)
			logging.Debugf("Delivery queue full, dropped oldest pending event")
		default:
		}
	}
}

// Events returns the channel a session drains to deliver matched events.
// The channel is closed when the queue is closed.
func (q *Queue) Events() <-chan *nostr.Event {
	return q.ch
}

// Close shuts the queue. Idempotent; pending events still drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Dropped returns how many events were discarded by the overflow policy.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

package websocket

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relayforge/relayforge/lib/bus"
	"github.com/relayforge/relayforge/lib/codec"
	"github.com/relayforge/relayforge/lib/index"
	"github.com/relayforge/relayforge/lib/logging"
)

// Global registry of live sessions, keyed by connection id. Used for
// shutdown and diagnostics; sessions remove themselves on termination.
var sessions = xsync.NewMapOf[string, *Session]()

// Session is the per-connection protocol state machine. All inbound frames
// for one connection are handled sequentially by the read loop, so command
// handling needs no internal serialization; only the subscription map and
// the outbound stream are touched concurrently (by delivery pumps).
type Session struct {
	relay *Relay
	conn  wireConn
	id    string

	state atomic.Int32

	eventsReceived   atomic.Uint64
	requestsReceived atomic.Uint64

	// writeMu enforces the single-writer discipline on the outbound
	// stream: command responses and live deliveries interleave safely.
	writeMu sync.Mutex

	// subMu guards the subscription map against the termination path,
	// which can race the read loop on abnormal disconnects.
	subMu         sync.Mutex
	subscriptions map[string]*subscription

	cleanup sync.Once
}

// subscription tracks one client-named filter set: the shared delivery
// queue, the pump draining it, and the entries registered in the index.
type subscription struct {
	sub     *index.Subscription
	entries []*index.Entry
	done    chan struct{}
}

// NewSession creates a session in StateInitialized and registers it.
func NewSession(relay *Relay, conn wireConn) *Session {
	s := &Session{
		relay:         relay,
		conn:          conn,
		id:            uuid.NewString(),
		subscriptions: make(map[string]*subscription),
	}
	sessions.Store(s.id, s)
	return s
}

// ID returns the connection id used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// EventsReceived returns how many publish commands this session handled.
func (s *Session) EventsReceived() uint64 {
	return s.eventsReceived.Load()
}

// RequestsReceived returns how many subscribe commands this session handled.
func (s *Session) RequestsReceived() uint64 {
	return s.requestsReceived.Load()
}

// Activate moves the session from INITIALIZED to ACTIVE once the transport
// handshake is complete. Frames arriving in any other state are dropped.
func (s *Session) Activate() {
	s.state.CompareAndSwap(int32(StateInitialized), int32(StateActive))
}

// HandleFrame decodes one inbound frame and dispatches it. Decode failures
// produce an error notice and keep the connection open; only the transport
// layer terminates a session.
func (s *Session) HandleFrame(frame []byte) {
	if s.State() != StateActive {
		return
	}

	command, err := codec.Decode(frame)
	if err != nil {
		if decodeErr, ok := err.(*codec.DecodeError); ok {
			logging.Debugf("Session %s sent malformed frame: %s", s.id, decodeErr.Reason)
			s.write(codec.ErrorNotice("could not parse message: %s", decodeErr.Reason))
		}
		return
	}

	switch cmd := command.(type) {
	case codec.Publish:
		s.handlePublish(&cmd.Event)
	case codec.Subscribe:
		s.handleSubscribe(cmd.ID, cmd.Filters)
	case codec.Unsubscribe:
		s.handleUnsubscribe(cmd.ID)
	case codec.Ping:
		s.write(codec.Pong())
	case codec.Unknown:
		logging.Debugf("Session %s sent unknown message type %q", s.id, cmd.Label)
		s.write(codec.ErrorNotice("unknown message type %q", cmd.Label))
	}
}

// write sends one frame on the outbound stream under the single-writer
// mutex. Write failures are left to the read loop: the next read on a dead
// connection errors out and triggers termination.
func (s *Session) write(frame []byte) {
	if s.State() == StateTerminated {
		return
	}
	s.writeMu.Lock()
	err := s.conn.WriteMessage(textMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		logging.Debugf("Session %s write failed: %v", s.id, err)
	}
}

// pump drains one subscription's delivery queue and turns every entry into
// an outbound EVENT frame. It exits when the queue closes.
func (s *Session) pump(sub *subscription) {
	defer close(sub.done)
	for event := range sub.sub.Queue.Events() {
		s.write(codec.EventFrame(sub.sub.ID, event))
	}
}

// dropSubscription removes a subscription's filters from the index, closes
// its delivery queue and forgets it. Unknown ids are a silent no-op: ids are
// scoped to this session, so a confused or malicious peer can never touch
// another connection's subscriptions.
func (s *Session) dropSubscription(id string) {
	s.subMu.Lock()
	sub, ok := s.subscriptions[id]
	if ok {
		delete(s.subscriptions, id)
	}
	s.subMu.Unlock()

	if !ok {
		return
	}

	for _, entry := range sub.entries {
		s.relay.Index.Delete(entry)
	}
	sub.sub.Queue.Close()
	// Pending deliveries flush before the drop is acknowledged
	<-sub.done
}

// Terminate runs the connection cleanup exactly once, no matter how many
// times or from how many goroutines it is signalled. Every registered
// filter is removed from the index and every delivery queue is closed, so
// no orphaned filters survive the connection.
func (s *Session) Terminate() {
	s.cleanup.Do(func() {
		s.state.Store(int32(StateTerminated))

		s.subMu.Lock()
		subs := s.subscriptions
		s.subscriptions = make(map[string]*subscription)
		s.subMu.Unlock()

		for _, sub := range subs {
			for _, entry := range sub.entries {
				s.relay.Index.Delete(entry)
			}
			sub.sub.Queue.Close()
			<-sub.done
		}

		sessions.Delete(s.id)

		if dropped := totalDropped(subs); dropped > 0 {
			logging.Debugf("Session %s terminated, %d deliveries dropped by overflow policy", s.id, dropped)
		}
	})
}

func totalDropped(subs map[string]*subscription) uint64 {
	var total uint64
	for _, sub := range subs {
		total += sub.sub.Queue.Dropped()
	}
	return total
}

// newSubscription wires a fresh delivery queue and starts its pump.
func (s *Session) newSubscription(id string) *subscription {
	sub := &subscription{
		sub: &index.Subscription{
			Owner: s.id,
			ID:    id,
			Queue: bus.NewQueue(s.relay.QueueSize),
		},
		done: make(chan struct{}),
	}
	go s.pump(sub)
	return sub
}

// TerminateAll terminates every live session. Used on shutdown.
func TerminateAll() {
	sessions.Range(func(_ string, s *Session) bool {
		s.Terminate()
		return true
	})
}

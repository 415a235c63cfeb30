package websocket

import (
	"github.com/relayforge/relayforge/lib/codec"
)

// handleUnsubscribe removes every filter registered under the id from both
// the index and the session's own map. Unsubscribing an id that was never
// subscribed succeeds silently; it is not an error.
func (s *Session) handleUnsubscribe(id string) {
	s.dropSubscription(id)
	s.write(codec.Noticef("closed subscription %s", id))
}

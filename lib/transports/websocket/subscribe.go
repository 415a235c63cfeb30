package websocket

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relayforge/relayforge/lib/codec"
	"github.com/relayforge/relayforge/lib/index"
	"github.com/relayforge/relayforge/lib/logging"
)

// handleSubscribe creates (or replaces) the subscription named by the
// client. Historical matches are fetched from the event store gateway and
// delivered first, then the success notice, and only then are the filters
// registered in the index, so no live match can arrive before the notice.
// The window in which an event published mid-subscribe is neither returned
// historically nor delivered live is an accepted tradeoff.
func (s *Session) handleSubscribe(id string, filters nostr.Filters) {
	s.requestsReceived.Add(1)

	// The protocol allows issuing an id with no filters to no effect
	if len(filters) == 0 {
		return
	}

	// Reject the whole request before any side effects if a filter is
	// malformed; nothing gets registered
	for _, filter := range filters {
		if err := index.ValidateFilter(filter); err != nil {
			logging.Debugf("Session %s subscribe %q rejected: %v", s.id, id, err)
			s.write(codec.ErrorNotice("invalid filter in subscription %s: %v", id, err))
			return
		}
	}

	// Re-subscribing with an existing id replaces it: unsubscribe first so
	// the old filters cannot double-deliver
	s.dropSubscription(id)

	// Historical half: query the gateway per filter, de-duplicate across
	// filters, deliver as individually framed event messages
	seen := make(map[string]struct{})
	for _, filter := range filters {
		events, err := s.relay.Store.QueryEvents(filter)
		if err != nil {
			logging.Errorf("Historical query failed for subscription %s: %v", id, err)
			s.write(codec.ErrorNotice("failed to query stored events for subscription %s", id))
			return
		}
		for _, event := range events {
			if _, dup := seen[event.ID]; dup {
				continue
			}
			seen[event.ID] = struct{}{}
			s.write(codec.EventFrame(id, event))
		}
	}

	s.write(codec.Noticef("successfully created subscription %s", id))

	// Live half: filters whose until bound already passed are
	// historical-only and never registered
	now := nostr.Timestamp(time.Now().Unix())
	var live []nostr.Filter
	for _, filter := range filters {
		if filter.Until == nil || *filter.Until > now {
			live = append(live, filter)
		}
	}
	if len(live) == 0 {
		return
	}

	sub := s.newSubscription(id)
	for _, filter := range live {
		entry := &index.Entry{Sub: sub.sub, Filter: filter}
		if err := s.relay.Index.Insert(entry); err != nil {
			// Filters were validated above; an insert failure here is a
			// programming bug, not a client error
			logging.Errorf("Failed to register filter for subscription %s: %v", id, err)
			continue
		}
		sub.entries = append(sub.entries, entry)
	}

	s.subMu.Lock()
	if s.State() == StateTerminated {
		// Lost the race against termination: undo the registration so no
		// orphaned filters survive
		s.subMu.Unlock()
		for _, entry := range sub.entries {
			s.relay.Index.Delete(entry)
		}
		sub.sub.Queue.Close()
		return
	}
	s.subscriptions[id] = sub
	s.subMu.Unlock()
}

package websocket

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relayforge/relayforge/lib/codec"
	"github.com/relayforge/relayforge/lib/logging"
	"github.com/relayforge/relayforge/lib/stores"
)

// handlePublish validates an inbound event, persists it through the event
// store gateway and fans it out to every matching subscription. Every
// outcome is reported with a single notice naming the event id.
func (s *Session) handlePublish(event *nostr.Event) {
	s.eventsReceived.Add(1)

	if reason := s.validateEvent(event); reason != "" {
		logging.Debugf("Session %s published invalid event %s: %s", s.id, event.ID, reason)
		s.write(codec.ErrorNotice("invalid event %s: %s", event.ID, reason))
		return
	}

	err := s.relay.Store.StoreEvent(event)
	if err == stores.ErrDuplicateEvent {
		// First writer won earlier: storing is idempotent and the event
		// was already delivered, so do not fan out again
		s.write(codec.Noticef("successfully created event %s", event.ID))
		return
	}
	if err != nil {
		logging.Errorf("Failed to store event %s: %v", event.ID, err)
		s.write(codec.ErrorNotice("failed to store event %s", event.ID))
		return
	}

	notified := s.relay.Index.MatchAndNotify(event)
	logging.Debugf("Event %s delivered to %d subscriptions", event.ID, notified)

	s.write(codec.Noticef("successfully created event %s", event.ID))
}

// validateEvent performs the semantic checks of the creation path. The
// structural shape was already enforced by the codec.
func (s *Session) validateEvent(event *nostr.Event) string {
	if event.GetID() != event.ID {
		return "id does not match event content"
	}

	if skew := s.relay.MaxClockSkew; skew > 0 {
		if time.Until(event.CreatedAt.Time()) > skew {
			return "created_at is too far in the future"
		}
	}

	if s.relay.VerifySignatures {
		ok, err := event.CheckSignature()
		if err != nil || !ok {
			return "signature verification failed"
		}
	}

	return ""
}

package stores

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

// ErrDuplicateEvent is returned by StoreEvent when an event with the same id
// is already persisted. First writer wins; publishing the same id again must
// not duplicate storage or trigger a second delivery.
var ErrDuplicateEvent = errors.New("event already stored")

// Store is the event store gateway: it persists validated events and answers
// "find events matching filter" queries for the historical half of a
// subscription. Implementations must be safe for concurrent use by many
// sessions.
type Store interface {
	// StoreEvent persists the event exactly once. Storing an id that is
	// already present returns ErrDuplicateEvent and leaves the stored
	// record untouched.
	StoreEvent(event *nostr.Event) error

	// HasEvent reports whether an event with the given id is stored.
	HasEvent(id string) (bool, error)

	// QueryEvents returns stored events matching the filter, creation-time
	// ascending, honouring the filter's limit (newest events win when the
	// limit truncates).
	QueryEvents(filter nostr.Filter) ([]*nostr.Event, error)

	// DeleteEvent removes a stored event and its index entries.
	DeleteEvent(id string) error

	Close() error
}

// Package codec translates between wire frames and typed protocol commands.
// It is pure and stateless: decode failures are reported as DecodeError and
// never escape past the session that triggered them.
package codec

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
)

// Plain-text health check frames
var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

// Command is one of the closed set of inbound protocol commands:
// Publish, Subscribe, Unsubscribe, Ping or Unknown.
type Command interface {
	isCommand()
}

// Publish carries an ["EVENT", {...}] frame.
type Publish struct {
	Event nostr.Event
}

// Subscribe carries a ["REQ", id, filter...] frame. Filters may be empty,
// in which case the session treats the command as a no-op.
type Subscribe struct {
	ID      string
	Filters nostr.Filters
}

// Unsubscribe carries a ["CLOSE", id] frame.
type Unsubscribe struct {
	ID string
}

// Ping is the plain-text "ping" health check frame.
type Ping struct{}

// Unknown is a well-formed array frame with an unrecognised label.
type Unknown struct {
	Label string
}

func (Publish) isCommand()     {}
func (Subscribe) isCommand()   {}
func (Unsubscribe) isCommand() {}
func (Ping) isCommand()        {}
func (Unknown) isCommand()     {}

// DecodeError reports a malformed wire message. It carries the offending raw
// text so the session can log it; the connection stays open.
type DecodeError struct {
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

func decodeErr(raw []byte, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Raw: string(raw), Reason: fmt.Sprintf(format, args...)}
}

// Decode parses a single inbound frame into a Command.
func Decode(raw []byte) (Command, error) {
	if bytes.Equal(bytes.TrimSpace(raw), pingFrame) {
		return Ping{}, nil
	}

	var json = jsoniter.ConfigCompatibleWithStandardLibrary

	var elements []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, decodeErr(raw, "message is not a JSON array: %v", err)
	}
	if len(elements) == 0 {
		return nil, decodeErr(raw, "message is an empty array")
	}

	var label string
	if err := json.Unmarshal(elements[0], &label); err != nil {
		return nil, decodeErr(raw, "message label is not a string")
	}

	switch label {
	case "EVENT":
		if len(elements) != 2 {
			return nil, decodeErr(raw, "EVENT message must have exactly 2 elements, got %d", len(elements))
		}
		var event nostr.Event
		if err := json.Unmarshal(elements[1], &event); err != nil {
			return nil, decodeErr(raw, "EVENT payload is not an event object: %v", err)
		}
		if err := CheckEventShape(&event); err != nil {
			return nil, decodeErr(raw, "EVENT payload is malformed: %v", err)
		}
		return Publish{Event: event}, nil

	case "REQ":
		if len(elements) < 2 {
			return nil, decodeErr(raw, "REQ message must name a subscription id")
		}
		var id string
		if err := json.Unmarshal(elements[1], &id); err != nil {
			return nil, decodeErr(raw, "REQ subscription id is not a string")
		}
		if id == "" {
			return nil, decodeErr(raw, "REQ subscription id is empty")
		}
		var filters nostr.Filters
		for i, element := range elements[2:] {
			var filter nostr.Filter
			if err := json.Unmarshal(element, &filter); err != nil {
				return nil, decodeErr(raw, "REQ filter #%d is not a filter object: %v", i+1, err)
			}
			filters = append(filters, filter)
		}
		return Subscribe{ID: id, Filters: filters}, nil

	case "CLOSE":
		if len(elements) != 2 {
			return nil, decodeErr(raw, "CLOSE message must have exactly 2 elements, got %d", len(elements))
		}
		var id string
		if err := json.Unmarshal(elements[1], &id); err != nil {
			return nil, decodeErr(raw, "CLOSE subscription id is not a string")
		}
		if id == "" {
			return nil, decodeErr(raw, "CLOSE subscription id is empty")
		}
		return Unsubscribe{ID: id}, nil

	default:
		return Unknown{Label: label}, nil
	}
}

// CheckEventShape performs the structural sanity checks on a decoded event:
// required fields present with correct arities. Semantic validation (id and
// signature correctness) belongs to the event store gateway's creation path.
func CheckEventShape(event *nostr.Event) error {
	if len(event.ID) != 64 || !isLowerHex(event.ID) {
		return fmt.Errorf("event id must be 64 lowercase hex characters")
	}
	if len(event.PubKey) != 64 || !isLowerHex(event.PubKey) {
		return fmt.Errorf("event pubkey must be 64 lowercase hex characters")
	}
	if len(event.Sig) != 128 || !isLowerHex(event.Sig) {
		return fmt.Errorf("event signature must be 128 lowercase hex characters")
	}
	if event.CreatedAt == 0 {
		return fmt.Errorf("event created_at is missing")
	}
	if event.Kind < 0 {
		return fmt.Errorf("event kind must not be negative")
	}
	for i, tag := range event.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("event tag #%d is empty", i+1)
		}
	}
	return nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Notice encodes a ["NOTICE", message] frame.
func Notice(message string) []byte {
	return marshalFrame([]interface{}{"NOTICE", message})
}

// Noticef encodes a formatted success notice.
func Noticef(format string, args ...interface{}) []byte {
	return Notice(fmt.Sprintf(format, args...))
}

// ErrorNotice encodes a failure notice. Failures are distinguished from
// successes by the "error:" prefix so clients can branch on the outcome
// without parsing free text.
func ErrorNotice(format string, args ...interface{}) []byte {
	return Notice("error: " + fmt.Sprintf(format, args...))
}

// EventFrame encodes a delivered event as ["EVENT", subscriptionID, event].
func EventFrame(subscriptionID string, event *nostr.Event) []byte {
	return marshalFrame([]interface{}{"EVENT", subscriptionID, event})
}

// Pong returns the plain-text reply to a "ping" frame.
func Pong() []byte {
	return pongFrame
}

func marshalFrame(message []interface{}) []byte {
	var json = jsoniter.ConfigCompatibleWithStandardLibrary
	frame, err := json.Marshal(message)
	if err != nil {
		// Frames are built from values we control; this is a programming bug
		panic(fmt.Sprintf("failed to marshal outbound frame: %v", err))
	}
	return frame
}

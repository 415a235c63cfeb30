package websocket

import (
	"time"

	"github.com/relayforge/relayforge/lib/index"
	"github.com/relayforge/relayforge/lib/stores"
)

// SessionState is the lifecycle of one connection's protocol state machine.
type SessionState int32

const (
	StateInitialized SessionState = iota
	StateActive
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Relay bundles the shared collaborators every session works against.
type Relay struct {
	Store stores.Store
	Index *index.Index

	// QueueSize bounds each subscription's delivery queue.
	QueueSize int
	// VerifySignatures enables schnorr signature checking on publish.
	VerifySignatures bool
	// MaxClockSkew rejects events created too far in the future; zero
	// disables the check.
	MaxClockSkew time.Duration
}

// RelayInfo is the information document served to clients that ask for
// application/nostr+json instead of upgrading to a websocket.
type RelayInfo struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Pubkey      string `json:"pubkey,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Software    string `json:"software,omitempty"`
	Version     string `json:"version,omitempty"`
}

// wireConn is the slice of the websocket connection the session writes to.
// Tests substitute an in-memory implementation.
type wireConn interface {
	WriteMessage(messageType int, data []byte) error
}

// Package v1 defines the chatd wire protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke client and tests so that the
// wire shapes live in exactly one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier carried by envelopes.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the gateway.
const Subprotocol = "chatd.v1"

// Type constants (wire-stable).
const (
	// TypeAuth authenticates a connection (client -> server) and carries the result back.
	TypeAuth = "auth"
	// TypeCreation registers a new user (client -> server) and carries the result back.
	TypeCreation = "creation"

	// TypeMessage sends a direct message (client -> server). Fire-and-forget.
	TypeMessage = "message"
	// TypeNewMessage delivers a message to every live connection of the recipient (server -> client).
	TypeNewMessage = "newMessage"

	// TypeGetConversationMessages fetches the history with one other user.
	TypeGetConversationMessages = "getConversationMessages"
	// TypeGetConversations lists every other user.
	TypeGetConversations = "getConversations"

	// TypeDisconnect closes the session. It is also synthesized on transport close.
	TypeDisconnect = "disconnect"

	// TypeError reports transport-level problems (bad JSON, rate limit).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v,omitempty"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an inbound Envelope.
// The version is optional; when present it must match Version.
// Unknown types are NOT rejected here: phase-aware dispatch decides what is legal.
func (e Envelope) Validate() error {
	if v := strings.TrimSpace(e.V); v != "" && v != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

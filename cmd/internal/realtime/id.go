package realtime

import (
	"time"

	"chatd/cmd/identity/ids"
)

// NewConnID returns a ULID identifying one websocket connection.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as outbound envelope id.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		// Envelope ids are informational; an empty id is valid on the wire.
		return ""
	}
	return id
}

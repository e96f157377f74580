package realtime

import (
	"encoding/json"
	"time"

	v1 "chatd/shared/contracts/chat/v1"
)

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

// encodeEnvelope marshals p as the payload of a typ envelope.
func encodeEnvelope(typ string, p any, ts time.Time) (v1.Envelope, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(typ, b, ts), nil
}

// Package notify implements the push-wake channel: a best-effort,
// fire-and-forget nudge that rouses a backgrounded client so it can
// reconcile against the live call record. The signaling core never assumes
// delivery; the record-store subscription remains the primary path.
package notify

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// TypeIncomingCall identifies an incoming-call wake payload.
const TypeIncomingCall = "incoming_call"

// WakePayload is the compact payload carried over the wake channel. CBOR
// keeps it small enough for push transports with tight payload budgets.
type WakePayload struct {
	Type         string `cbor:"type"`
	CallID       string `cbor:"call_id"`
	CallerName   string `cbor:"caller_name"`
	CallerAvatar string `cbor:"caller_avatar,omitempty"`
}

// EncodeWake serializes a wake payload.
func EncodeWake(p WakePayload) ([]byte, error) {
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wake payload: %w", err)
	}
	return data, nil
}

// DecodeWake parses a wake payload and validates its type. The receiving
// client must follow it with a reconciliation read, never by assuming the
// call is still active.
func DecodeWake(data []byte) (WakePayload, error) {
	var p WakePayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return WakePayload{}, fmt.Errorf("failed to decode wake payload: %w", err)
	}
	if p.Type != TypeIncomingCall {
		return WakePayload{}, fmt.Errorf("unexpected wake payload type %q", p.Type)
	}
	if p.CallID == "" {
		return WakePayload{}, fmt.Errorf("wake payload missing call_id")
	}
	return p, nil
}

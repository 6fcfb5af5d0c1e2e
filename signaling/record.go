// Package signaling implements the voice-call signaling core: call setup,
// tracking, and termination between two clients coordinated entirely through
// a shared record store and a best-effort push-wake channel. There is no
// dedicated signaling server; the call record is the single source of truth
// and every status transition is a conditional write against it.
package signaling

import "context"

// CallStatus is the lifecycle status of a call record.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"
	StatusDeclined CallStatus = "declined"
	StatusEnded    CallStatus = "ended"
	StatusMissed   CallStatus = "missed"
	StatusTimeout  CallStatus = "timeout"
)

// Terminal reports whether no further status transition is legal.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusDeclined, StatusEnded, StatusMissed, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether the call is still in progress (non-terminal).
func (s CallStatus) Active() bool {
	return s == StatusRinging || s == StatusAnswered
}

// CallRecord is the shared, store-resident document representing one call
// attempt. It is written by exactly the two participants: the caller writes
// creation and the caller-side terminal transitions it initiates, the
// receiver writes answered/declined. Each field has exactly one legitimate
// writer at each lifecycle stage.
//
// The record is stored under two keys at once, one in each participant's
// inbox, so each side can subscribe to calls addressed to it without read
// access to the other's namespace. Both copies must reach the same terminal
// status; see Machine.writeStatus for the arbitration rule.
type CallRecord struct {
	ID             string     `json:"id"`
	ChatID         string     `json:"chatId"`
	CallerID       string     `json:"callerId"`
	ReceiverID     string     `json:"receiverId"`
	CallerName     string     `json:"callerName"`
	ReceiverName   string     `json:"receiverName"`
	CallerAvatar   string     `json:"callerAvatar,omitempty"`
	ReceiverAvatar string     `json:"receiverAvatar,omitempty"`
	CallerKeyPub   string     `json:"callerKeyPub,omitempty"`   // caller's X25519 public key, base64
	ReceiverKeyPub string     `json:"receiverKeyPub,omitempty"` // receiver's X25519 public key, base64
	Status         CallStatus `json:"status"`
	StartedAt      int64      `json:"startedAt"`
	AnsweredAt     int64      `json:"answeredAt,omitempty"`
	EndedAt        int64      `json:"endedAt,omitempty"`
	Duration       int        `json:"duration,omitempty"` // whole seconds, set at terminal write
}

// InboxKey returns the store key for a call record in userID's inbox.
func InboxKey(userID, callID string) string {
	return "inbox." + userID + "." + callID
}

// InboxPrefix returns the key prefix covering all records in userID's inbox.
func InboxPrefix(userID string) string {
	return "inbox." + userID + "."
}

// ReceiverKey is the key of the receiver-inbox copy (the arbiter copy).
func (r *CallRecord) ReceiverKey() string {
	return InboxKey(r.ReceiverID, r.ID)
}

// CallerKey is the key of the caller-inbox copy (the mirror copy).
func (r *CallRecord) CallerKey() string {
	return InboxKey(r.CallerID, r.ID)
}

// PeerOf returns the other participant's ID from userID's point of view.
func (r *CallRecord) PeerOf(userID string) string {
	if r.CallerID == userID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Clone returns a copy of the record.
func (r *CallRecord) Clone() *CallRecord {
	c := *r
	return &c
}

// RecordStore is the keyed, subscribable document store the signaling core
// coordinates through. Implementations provide at-least-once change
// notification with no ordering guarantee across writers; callers must
// tolerate duplicate and out-of-order deliveries.
type RecordStore interface {
	// Create stores a new record under key. It fails if the key exists.
	Create(ctx context.Context, key string, rec *CallRecord) error

	// ConditionalUpdate applies patch to the record under key only if its
	// current status is one of from. When the predicate fails it returns the
	// current record together with ErrConflict so the caller can follow the
	// now-authoritative state.
	ConditionalUpdate(ctx context.Context, key string, from []CallStatus, patch func(*CallRecord)) (*CallRecord, error)

	// Get reads the record under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*CallRecord, error)

	// ListActive returns all records in userID's inbox that are still in a
	// non-terminal status. Used for the reconciliation pass on listener
	// startup and after a push wake.
	ListActive(ctx context.Context, userID string) ([]*CallRecord, error)

	// Subscribe delivers change notifications for records in userID's inbox
	// until cancel is called. Cancel is idempotent and never mutates records.
	Subscribe(ctx context.Context, userID string) (<-chan *CallRecord, func(), error)
}

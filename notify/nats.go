package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/nimblechat/callcore/signaling"
)

// DefaultSubjectPrefix is the subject prefix wake payloads are published
// under; the full subject is "<prefix>.<userId>".
const DefaultSubjectPrefix = "wake"

// NATSDispatcher publishes wake payloads to a per-user NATS subject. In a
// deployed app the subject is bridged to the platform push pipeline; that
// pipeline is outside this module's boundary.
type NATSDispatcher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSDispatcher creates a dispatcher on an established connection.
// prefix may be empty for the default.
func NewNATSDispatcher(nc *nats.Conn, prefix string) *NATSDispatcher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSDispatcher{nc: nc, prefix: prefix}
}

// Notify publishes the wake payload for userID. Fire-and-forget: no
// delivery confirmation is awaited.
func (d *NATSDispatcher) Notify(ctx context.Context, userID string, wake signaling.Wake) error {
	data, err := EncodeWake(WakePayload{
		Type:         TypeIncomingCall,
		CallID:       wake.CallID,
		CallerName:   wake.CallerName,
		CallerAvatar: wake.CallerAvatar,
	})
	if err != nil {
		return err
	}

	if err := d.nc.Publish(WakeSubject(d.prefix, userID), data); err != nil {
		return fmt.Errorf("publish wake for %s: %w", userID, signaling.ErrNotifyUnavailable)
	}
	return nil
}

// WakeSubject returns the per-user wake subject.
func WakeSubject(prefix, userID string) string {
	return prefix + "." + userID
}

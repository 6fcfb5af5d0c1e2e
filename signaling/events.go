package signaling

import "context"

// EndReason is the closed set of terminal call outcomes surfaced to the
// presentation layer.
type EndReason string

const (
	ReasonHangup   EndReason = "hangup"   // either side ended an established call
	ReasonDeclined EndReason = "declined" // receiver declined while ringing
	ReasonMissed   EndReason = "missed"   // ring timeout elapsed with no answer
	ReasonTimeout  EndReason = "timeout"  // answered but media never established
)

// reasonForStatus maps a terminal record status to its end reason.
func reasonForStatus(s CallStatus) EndReason {
	switch s {
	case StatusDeclined:
		return ReasonDeclined
	case StatusMissed:
		return ReasonMissed
	case StatusTimeout:
		return ReasonTimeout
	default:
		return ReasonHangup
	}
}

// Events is the contract toward the UI layer. Callbacks are invoked from the
// machine's dispatch path; implementations must not call back into the
// machine synchronously.
type Events interface {
	// OnIncomingCall fires on the receiver when a ringing record addressed
	// to the local user is observed.
	OnIncomingCall(rec *CallRecord)

	// OnCallAnswered fires on the caller when the receiver's answer is
	// observed.
	OnCallAnswered(rec *CallRecord)

	// OnCallEnded fires exactly once per call on each client, with the
	// terminal record and the reason it ended.
	OnCallEnded(rec *CallRecord, reason EndReason)

	// OnRemoteMediaAvailable fires when the media transport reports the
	// remote stream, carrying its opaque handle.
	OnRemoteMediaAvailable(stream any)

	// OnCallTimeout fires when a call resolves as missed or timed out.
	OnCallTimeout(rec *CallRecord)
}

// Wake is the payload delivered over the push-wake channel to rouse a
// backgrounded receiver. Best-effort; the live subscription is the primary
// path.
type Wake struct {
	CallID       string
	CallerName   string
	CallerAvatar string
}

// Dispatcher is the wake-channel boundary. Notify is fire-and-forget: the
// signaling core never assumes delivery.
type Dispatcher interface {
	Notify(ctx context.Context, userID string, wake Wake) error
}

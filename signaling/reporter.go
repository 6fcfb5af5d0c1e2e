package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Log verbs for terminal call outcomes.
const (
	VerbAnswered = "answered"
	VerbDeclined = "declined"
	VerbMissed   = "missed"
)

// CallLogEntry is the one-time chat log entry written for a terminal call
// outcome, correlated to the conversation the call was attached to.
type CallLogEntry struct {
	CallID     string
	ChatID     string
	CallerID   string
	ReceiverID string
	Verb       string
	Duration   int // seconds, only for answered calls
	LoggedAt   int64
}

// ChatLog is the boundary toward the messaging subsystem. Writes are
// best-effort; a failure never re-opens or mutates the call record.
type ChatLog interface {
	AppendCallOutcome(ctx context.Context, entry CallLogEntry) error
}

// TerminationReporter translates terminal call outcomes into a one-time,
// caller-attributed chat log entry. It fires only on the caller's client so
// the two participants never double-log the same call.
type TerminationReporter struct {
	userID string
	sink   ChatLog

	mu       sync.Mutex
	reported map[string]struct{}
}

// NewTerminationReporter creates a reporter for the local user. sink may be
// nil, in which case reporting is disabled.
func NewTerminationReporter(userID string, sink ChatLog) *TerminationReporter {
	return &TerminationReporter{
		userID:   userID,
		sink:     sink,
		reported: make(map[string]struct{}),
	}
}

// Report logs the terminal outcome of rec if the local user is the caller
// and the call has not been reported yet. Safe to call multiple times and
// from either the local or the remote-observed termination path.
func (r *TerminationReporter) Report(ctx context.Context, rec *CallRecord, clockSeconds int) {
	if r == nil || r.sink == nil || rec == nil {
		return
	}
	if rec.CallerID != r.userID || !rec.Status.Terminal() {
		return
	}

	r.mu.Lock()
	if _, done := r.reported[rec.ID]; done {
		r.mu.Unlock()
		return
	}
	r.reported[rec.ID] = struct{}{}
	// Keep the dedup set bounded; the machine and listener dedup upstream,
	// so resetting only risks a duplicate for a very stale replay.
	if len(r.reported) > 1024 {
		r.reported = map[string]struct{}{rec.ID: {}}
	}
	r.mu.Unlock()

	entry := CallLogEntry{
		CallID:     rec.ID,
		ChatID:     rec.ChatID,
		CallerID:   rec.CallerID,
		ReceiverID: rec.ReceiverID,
		LoggedAt:   rec.EndedAt,
	}

	switch {
	case rec.Status == StatusEnded && rec.AnsweredAt > 0:
		entry.Verb = VerbAnswered
		entry.Duration = rec.Duration
		if entry.Duration == 0 {
			entry.Duration = clockSeconds
		}
	case rec.Status == StatusDeclined:
		entry.Verb = VerbDeclined
	default:
		// missed, timeout, or the caller hung up before an answer: the
		// receiver experienced a missed call either way.
		entry.Verb = VerbMissed
	}

	if err := r.sink.AppendCallOutcome(ctx, entry); err != nil {
		log.Warn().
			Err(err).
			Str("call_id", rec.ID).
			Str("verb", entry.Verb).
			Msg("Failed to write call log entry")
	}
}

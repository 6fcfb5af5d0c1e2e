package signaling

import "context"

// MediaTransport is the boundary toward the audio/media collaborator
// (WebRTC or equivalent). The signaling core only acquires and releases the
// local media session, toggles mute, and hands over the derived session key;
// everything else about media is out of scope.
type MediaTransport interface {
	// Acquire obtains local media access (microphone permission, device
	// setup). A refusal surfaces as ErrPermissionDenied and is treated as an
	// ordinary failed-start outcome.
	Acquire(ctx context.Context) error

	// SetSessionKey hands the derived per-call media key to the transport.
	// Called at most once per call, best-effort.
	SetSessionKey(key []byte)

	// SetMuted toggles the local audio track. Purely local state, never
	// written to the shared record.
	SetMuted(muted bool)

	// Release tears down the local media session. Safe to call when nothing
	// was acquired.
	Release()
}

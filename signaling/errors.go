package signaling

import "errors"

// Error taxonomy. Everything below the public contract is absorbed into a
// boolean or no-op outcome; these sentinels exist so the absorbing layer can
// tell a benign race from a real failure.
var (
	// ErrPermissionDenied means local media acquisition was refused.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrConflict means a conditional write predicate failed because the
	// record already moved. This is a benign race outcome, not an error:
	// re-read and follow the now-authoritative state.
	ErrConflict = errors.New("call record status conflict")

	// ErrNotFound means no record exists under the requested key.
	ErrNotFound = errors.New("call record not found")

	// ErrStoreUnavailable means the record store could not be reached.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrNotifyUnavailable means the wake channel could not be reached.
	ErrNotifyUnavailable = errors.New("wake channel unavailable")
)

package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener maintains the live subscription to "records addressed to the
// local user" and re-emits typed, deduplicated change events into a single
// dispatch target. It holds no call-semantic state of its own; deliveries
// all happen from one goroutine, which is what lets the machine treat remote
// events as arriving on a single logical thread.
type Listener struct {
	userID  string
	store   RecordStore
	deliver func(*CallRecord)

	mu       sync.Mutex
	lastSeen map[string]CallStatus
	cancel   func()
	started  bool
	stopped  bool
	done     chan struct{}
}

// NewListener creates a listener for userID that forwards deduplicated
// record changes to deliver (normally Machine.HandleRecord).
func NewListener(userID string, store RecordStore, deliver func(*CallRecord)) *Listener {
	return &Listener{
		userID:   userID,
		store:    store,
		deliver:  deliver,
		lastSeen: make(map[string]CallStatus),
		done:     make(chan struct{}),
	}
}

// Start performs the reconciliation pass and then begins streaming changes.
// The reconciliation covers an app relaunched mid-call: any record still
// ringing or answered in the local inbox is delivered before live changes,
// so a push-woken client converges even if the original notification beat
// the subscription.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("listener already started")
	}
	l.started = true
	l.mu.Unlock()

	active, err := l.store.ListActive(ctx, l.userID)
	if err != nil {
		// Reconciliation is best-effort; the live stream still covers new
		// activity.
		log.Warn().Err(err).Str("user_id", l.userID).Msg("Reconciliation pass failed")
	}
	for _, rec := range active {
		l.dispatch(rec)
	}

	ch, cancel, err := l.store.Subscribe(ctx, l.userID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox: %w", err)
	}

	l.mu.Lock()
	if l.stopped {
		// Stop raced Start; tear the fresh subscription down again.
		l.mu.Unlock()
		cancel()
		return nil
	}
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(ch)

	log.Info().Str("user_id", l.userID).Int("reconciled", len(active)).Msg("Signaling listener started")
	return nil
}

func (l *Listener) run(ch <-chan *CallRecord) {
	defer close(l.done)
	for rec := range ch {
		l.dispatch(rec)
	}
}

// dispatch drops redeliveries: the store may replay the same change after a
// reconnect, so a record whose status matches the last-seen status for its
// ID is silently discarded.
func (l *Listener) dispatch(rec *CallRecord) {
	if rec == nil {
		return
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	last, seen := l.lastSeen[rec.ID]
	if seen && last == rec.Status {
		l.mu.Unlock()
		log.Debug().
			Str("call_id", rec.ID).
			Str("status", string(rec.Status)).
			Msg("Dropping duplicate record delivery")
		return
	}
	l.lastSeen[rec.ID] = rec.Status
	if len(l.lastSeen) > 1024 {
		// Terminal entries are dead weight once resolved; keep the map small.
		for id, st := range l.lastSeen {
			if st.Terminal() && id != rec.ID {
				delete(l.lastSeen, id)
			}
		}
	}
	l.mu.Unlock()

	l.deliver(rec)
}

// Stop tears the subscription down. Idempotent, safe from any state, and
// never mutates a call record.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Info().Str("user_id", l.userID).Msg("Signaling listener stopped")
}

// Done is closed once the delivery goroutine has drained and exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

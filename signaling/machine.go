package signaling

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is the local call state of the machine.
type State string

const (
	StateIdle       State = "idle"
	StateOutgoing   State = "outgoing"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnding     State = "ending"
)

// opTimeout bounds store writes initiated from timer callbacks, which have
// no caller-supplied context.
const opTimeout = 10 * time.Second

// mirrorRetries bounds the re-attempts of the best-effort mirror write onto
// the caller copy after a transient store failure.
const mirrorRetries = 2

// StartRequest carries the parameters of an outgoing call.
type StartRequest struct {
	ChatID         string
	ReceiverID     string
	CallerName     string
	ReceiverName   string
	CallerAvatar   string
	ReceiverAvatar string
}

// Config wires a Machine to its collaborators. Store, Media, and UserID are
// required; the rest may be nil/zero for defaults.
type Config struct {
	UserID   string
	Store    RecordStore
	Notifier Dispatcher
	Media    MediaTransport
	Events   Events
	Reporter *TerminationReporter

	// RingTimeout and ConnectTimeout override the package constants; zero
	// means the default. Tests shorten them.
	RingTimeout    time.Duration
	ConnectTimeout time.Duration

	// Now overrides the wall clock for the duration clock and timestamps.
	Now func() time.Time
}

// Machine holds the authoritative local view of "my current call" and
// enforces the legal transitions:
//
//	idle → outgoing → {connecting|idle}
//	idle → incoming → {connecting|idle}
//	connecting → connected
//	{outgoing|incoming|connecting|connected} → ending → idle
//
// One instance exists per authenticated session and is reusable across
// calls. The listener delivers remote events from a single goroutine; local
// operations may come from any goroutine, so internal state is
// mutex-guarded and the async paths are additionally serialized by an
// in-flight latch.
type Machine struct {
	userID   string
	store    RecordStore
	notifier Dispatcher
	media    MediaTransport
	events   Events
	reporter *TerminationReporter
	timeouts *TimeoutManager

	ringTimeout    time.Duration
	connectTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	state    State
	busy     bool // async start/answer in flight
	rec      *CallRecord
	privKey  []byte
	muted    bool
	last     *CallRecord // most recent terminal record, for idempotent EndCall
	resolved map[string]struct{}
}

// NewMachine creates the per-session call state machine in the idle state.
func NewMachine(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = RingTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = ConnectTimeout
	}
	if cfg.Events == nil {
		cfg.Events = noopEvents{}
	}
	return &Machine{
		userID:         cfg.UserID,
		store:          cfg.Store,
		notifier:       cfg.Notifier,
		media:          cfg.Media,
		events:         cfg.Events,
		reporter:       cfg.Reporter,
		timeouts:       NewTimeoutManager(cfg.Now),
		ringTimeout:    cfg.RingTimeout,
		connectTimeout: cfg.ConnectTimeout,
		now:            cfg.Now,
		state:          StateIdle,
		resolved:       make(map[string]struct{}),
	}
}

// State returns the current local call state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the machine's view of the current call record, or nil.
func (m *Machine) Current() *CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil
	}
	return m.rec.Clone()
}

// CallSeconds returns the running duration counter for display.
func (m *Machine) CallSeconds() int {
	return m.timeouts.Seconds()
}

// StartCall places an outgoing call. It returns false, leaving the machine
// idle with no residual timers and no orphaned record, when the machine is
// not idle, media acquisition is refused, or record creation fails. The push
// wake toward the receiver is best-effort and never fails the start.
func (m *Machine) StartCall(ctx context.Context, req StartRequest) bool {
	if req.ReceiverID == "" || req.ReceiverID == m.userID {
		log.Warn().Str("receiver_id", req.ReceiverID).Msg("Rejecting call to invalid receiver")
		return false
	}

	m.mu.Lock()
	if m.state != StateIdle || m.busy {
		state := m.state
		m.mu.Unlock()
		log.Warn().Str("state", string(state)).Msg("Rejecting StartCall: already in a call")
		return false
	}
	m.busy = true
	m.mu.Unlock()
	defer m.clearBusy()

	if err := m.media.Acquire(ctx); err != nil {
		log.Warn().Err(err).Msg("StartCall failed: media acquisition refused")
		return false
	}

	privKey, pubKey, err := generateKeyPair()
	if err != nil {
		m.media.Release()
		log.Error().Err(err).Msg("StartCall failed: key generation")
		return false
	}

	rec := &CallRecord{
		ID:             uuid.NewString(),
		ChatID:         req.ChatID,
		CallerID:       m.userID,
		ReceiverID:     req.ReceiverID,
		CallerName:     req.CallerName,
		ReceiverName:   req.ReceiverName,
		CallerAvatar:   req.CallerAvatar,
		ReceiverAvatar: req.ReceiverAvatar,
		CallerKeyPub:   base64.StdEncoding.EncodeToString(pubKey),
		Status:         StatusRinging,
		StartedAt:      m.now().Unix(),
	}

	// Fan out the new record to both inboxes, arbiter copy first.
	if err := m.store.Create(ctx, rec.ReceiverKey(), rec); err != nil {
		m.media.Release()
		log.Error().Err(err).Str("call_id", rec.ID).Msg("StartCall failed: record creation")
		return false
	}
	if err := m.store.Create(ctx, rec.CallerKey(), rec); err != nil {
		// Retract the receiver copy so no half-created call keeps ringing.
		if _, cerr := m.store.ConditionalUpdate(ctx, rec.ReceiverKey(), []CallStatus{StatusRinging}, func(r *CallRecord) {
			r.Status = StatusEnded
			r.EndedAt = m.now().Unix()
		}); cerr != nil && !errors.Is(cerr, ErrConflict) {
			log.Error().Err(cerr).Str("call_id", rec.ID).Msg("Failed to retract half-created call record")
		}
		m.media.Release()
		log.Error().Err(err).Str("call_id", rec.ID).Msg("StartCall failed: caller copy creation")
		return false
	}

	m.mu.Lock()
	m.state = StateOutgoing
	m.rec = rec
	m.privKey = privKey
	m.mu.Unlock()

	m.timeouts.ArmRing(m.ringTimeout, func() { m.ringTimeoutFired(rec.ID) })

	if m.notifier != nil {
		wake := Wake{CallID: rec.ID, CallerName: req.CallerName, CallerAvatar: req.CallerAvatar}
		if err := m.notifier.Notify(ctx, req.ReceiverID, wake); err != nil {
			// The live subscription is the primary path; the wake is only a
			// fallback for backgrounded receivers.
			log.Warn().Err(err).Str("call_id", rec.ID).Msg("Push wake failed")
		}
	}

	log.Info().
		Str("call_id", rec.ID).
		Str("receiver_id", req.ReceiverID).
		Msg("Outgoing call started")
	return true
}

// AnswerCall answers the current incoming call. It returns false, reverting
// to idle, when the machine is not in the incoming state, media acquisition
// is refused, or the record already moved to a terminal status because the
// caller hung up before the answer was accepted.
func (m *Machine) AnswerCall(ctx context.Context) bool {
	m.mu.Lock()
	if m.state != StateIncoming || m.busy || m.rec == nil {
		state := m.state
		m.mu.Unlock()
		log.Warn().Str("state", string(state)).Msg("Rejecting AnswerCall: no incoming call")
		return false
	}
	rec := m.rec
	m.busy = true
	m.mu.Unlock()
	defer m.clearBusy()

	if err := m.media.Acquire(ctx); err != nil {
		log.Warn().Err(err).Str("call_id", rec.ID).Msg("AnswerCall failed: media acquisition refused")
		m.mu.Lock()
		m.state = StateIdle
		m.rec = nil
		m.mu.Unlock()
		return false
	}

	privKey, pubKey, err := generateKeyPair()
	if err != nil {
		m.media.Release()
		m.mu.Lock()
		m.state = StateIdle
		m.rec = nil
		m.mu.Unlock()
		log.Error().Err(err).Str("call_id", rec.ID).Msg("AnswerCall failed: key generation")
		return false
	}

	answeredAt := m.now().Unix()
	receiverKey := base64.StdEncoding.EncodeToString(pubKey)
	final, err := m.writeStatus(ctx, rec, []CallStatus{StatusRinging}, func(r *CallRecord) {
		r.Status = StatusAnswered
		r.AnsweredAt = answeredAt
		r.ReceiverKeyPub = receiverKey
	})
	if err != nil {
		if errors.Is(err, ErrConflict) && final != nil && final.Status.Terminal() {
			// Caller hung up first; follow the authoritative terminal state.
			log.Info().
				Str("call_id", rec.ID).
				Str("status", string(final.Status)).
				Msg("Answer lost the race to a terminal write")
			m.resolveTerminal(final, reasonForStatus(final.Status), 0)
			return false
		}
		m.media.Release()
		m.mu.Lock()
		m.state = StateIdle
		m.rec = nil
		m.mu.Unlock()
		log.Error().Err(err).Str("call_id", rec.ID).Msg("AnswerCall failed: record write")
		return false
	}

	m.mu.Lock()
	m.state = StateConnecting
	m.rec = final
	m.privKey = privKey
	m.mu.Unlock()

	m.timeouts.StartClock()
	m.deriveAndInstallSessionKey(final, final.CallerKeyPub)

	log.Info().Str("call_id", rec.ID).Msg("Call answered")
	return true
}

// DeclineCall declines the current incoming call and returns the machine to
// idle. The declined write races the caller's own terminal writes like any
// other transition; a lost race converges on whatever won.
func (m *Machine) DeclineCall(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIncoming || m.rec == nil {
		state := m.state
		m.mu.Unlock()
		log.Warn().Str("state", string(state)).Msg("Ignoring DeclineCall: no incoming call")
		return
	}
	rec := m.rec
	m.mu.Unlock()

	final, err := m.writeStatus(ctx, rec, []CallStatus{StatusRinging}, func(r *CallRecord) {
		r.Status = StatusDeclined
		r.EndedAt = m.now().Unix()
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		log.Error().Err(err).Str("call_id", rec.ID).Msg("DeclineCall record write failed")
		final = rec.Clone()
		final.Status = StatusDeclined
		final.EndedAt = m.now().Unix()
	}
	if final == nil {
		final = rec
	}

	log.Info().Str("call_id", rec.ID).Msg("Call declined")
	m.resolveTerminal(final, reasonForStatus(final.Status), 0)
}

// EndCall ends the current call, writing the terminal record with its
// duration when the call had connected. Legal from outgoing, connecting, and
// connected; calling it twice, or after the remote side already ended, is a
// safe no-op returning the already-terminal record.
func (m *Machine) EndCall(ctx context.Context) *CallRecord {
	m.mu.Lock()
	switch m.state {
	case StateOutgoing, StateConnecting, StateConnected:
		// proceed
	default:
		last := m.last
		m.mu.Unlock()
		return last
	}
	rec := m.rec
	wasConnected := m.state == StateConnected
	m.state = StateEnding
	m.mu.Unlock()

	m.timeouts.CancelRing()
	m.timeouts.CancelConnect()
	secs := m.timeouts.StopClock()
	if !wasConnected {
		// An answered call that never reached connected has no talk time.
		secs = 0
	}

	endedAt := m.now().Unix()
	final, err := m.writeStatus(ctx, rec, []CallStatus{StatusRinging, StatusAnswered}, func(r *CallRecord) {
		r.Status = StatusEnded
		r.EndedAt = endedAt
		if r.AnsweredAt > 0 && wasConnected {
			r.Duration = secs
		}
	})
	switch {
	case err == nil:
		log.Info().Str("call_id", rec.ID).Int("duration", final.Duration).Msg("Call ended")
	case errors.Is(err, ErrConflict) && final != nil:
		// The other side's terminal write won; converge on it.
		log.Info().Str("call_id", rec.ID).Str("status", string(final.Status)).Msg("End lost the race to a terminal write")
	default:
		// Store unreachable: resolve locally, the peer's timeout authority
		// will settle the shared record.
		log.Error().Err(err).Str("call_id", rec.ID).Msg("EndCall record write failed")
		final = rec.Clone()
		final.Status = StatusEnded
		final.EndedAt = endedAt
		if final.AnsweredAt > 0 {
			final.Duration = secs
		}
	}

	m.resolveTerminal(final, reasonForStatus(final.Status), secs)
	return final
}

// ToggleMute flips the local mute state and returns the new value. Legal
// only while connecting or connected; otherwise the current value is
// returned unchanged. Mute is purely local and never written to the record.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateConnected {
		muted := m.muted
		m.mu.Unlock()
		return muted
	}
	m.muted = !m.muted
	muted := m.muted
	m.mu.Unlock()

	m.media.SetMuted(muted)
	return muted
}

// MediaConnected is the media-transport hook: the transport reports first
// remote stream availability and the machine moves connecting → connected.
func (m *Machine) MediaConnected(stream any) {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	rec := m.rec
	m.mu.Unlock()

	m.timeouts.CancelConnect()
	log.Info().Str("call_id", rec.ID).Msg("Media connected")
	m.events.OnRemoteMediaAvailable(stream)
}

// HandleWake processes an "app woke due to call push" signal: a
// reconciliation read against the record store, never a blind assumption
// that the call is still active.
func (m *Machine) HandleWake(ctx context.Context, callID string) {
	rec, err := m.store.Get(ctx, InboxKey(m.userID, callID))
	if err != nil {
		log.Warn().Err(err).Str("call_id", callID).Msg("Wake reconciliation read failed")
		return
	}
	m.HandleRecord(rec)
}

// HandleRecord feeds one deduplicated record change into the machine. This
// is the listener's dispatch target and the wake-reconciliation path.
func (m *Machine) HandleRecord(rec *CallRecord) {
	if rec == nil {
		return
	}

	switch {
	case rec.Status == StatusRinging:
		m.handleIncomingRinging(rec)
	case rec.Status == StatusAnswered:
		m.handleRemoteAnswered(rec)
	case rec.Status.Terminal():
		m.handleRemoteTerminal(rec)
	}
}

func (m *Machine) handleIncomingRinging(rec *CallRecord) {
	if rec.ReceiverID != m.userID {
		return // our own outgoing copy echoing back
	}

	m.mu.Lock()
	if m.state != StateIdle || m.busy {
		state := m.state
		m.mu.Unlock()
		// Single active call per participant: the offer is ignored and the
		// record left untouched; the caller's ring timeout settles it.
		log.Info().
			Str("call_id", rec.ID).
			Str("state", string(state)).
			Msg("Ignoring incoming call: already in a call")
		return
	}
	if _, done := m.resolved[rec.ID]; done {
		m.mu.Unlock()
		return // stale replay of an already-resolved call
	}
	m.state = StateIncoming
	m.rec = rec
	m.mu.Unlock()

	log.Info().
		Str("call_id", rec.ID).
		Str("caller_id", rec.CallerID).
		Msg("Incoming call")
	m.events.OnIncomingCall(rec)
}

func (m *Machine) handleRemoteAnswered(rec *CallRecord) {
	m.mu.Lock()
	if m.state != StateOutgoing || m.rec == nil || m.rec.ID != rec.ID {
		m.mu.Unlock()
		return // stale or duplicate delivery
	}
	m.state = StateConnecting
	m.rec = rec
	m.mu.Unlock()

	m.timeouts.CancelRing()
	m.timeouts.StartClock()
	m.timeouts.ArmConnect(m.connectTimeout, func() { m.connectTimeoutFired(rec.ID) })
	m.deriveAndInstallSessionKey(rec, rec.ReceiverKeyPub)

	log.Info().Str("call_id", rec.ID).Msg("Call answered by receiver")
	m.events.OnCallAnswered(rec)
}

func (m *Machine) handleRemoteTerminal(rec *CallRecord) {
	m.mu.Lock()
	if m.rec == nil || m.rec.ID != rec.ID {
		m.mu.Unlock()
		return // not our current call (already resolved, or never ours)
	}
	m.mu.Unlock()

	secs := m.timeouts.StopClock()
	log.Info().
		Str("call_id", rec.ID).
		Str("status", string(rec.Status)).
		Msg("Call resolved remotely")
	m.resolveTerminal(rec, reasonForStatus(rec.Status), secs)
}

// ringTimeoutFired runs when the caller's ring timeout elapses. The write is
// only attempted if the machine is still waiting on this exact call, so a
// timer leaking past a transition is a detectable no-op.
func (m *Machine) ringTimeoutFired(callID string) {
	m.mu.Lock()
	if m.state != StateOutgoing || m.rec == nil || m.rec.ID != callID {
		m.mu.Unlock()
		return
	}
	rec := m.rec
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	final, err := m.writeStatus(ctx, rec, []CallStatus{StatusRinging}, func(r *CallRecord) {
		r.Status = StatusMissed
		r.EndedAt = m.now().Unix()
	})
	if err != nil {
		if errors.Is(err, ErrConflict) && final != nil {
			if final.Status.Terminal() {
				m.resolveTerminal(final, reasonForStatus(final.Status), 0)
				return
			}
			// An answer won at the last moment. The listener normally
			// delivers it from the caller copy, but that mirror may have been
			// lost; converge on the arbiter record directly rather than sit
			// in outgoing with no timer armed.
			m.HandleRecord(final)
			return
		}
		log.Error().Err(err).Str("call_id", rec.ID).Msg("Ring timeout write failed")
		final = rec.Clone()
		final.Status = StatusMissed
		final.EndedAt = m.now().Unix()
	}

	log.Info().Str("call_id", rec.ID).Msg("Call missed: ring timeout elapsed")
	m.resolveTerminal(final, ReasonMissed, 0)
}

// connectTimeoutFired runs when an answered call never establishes media.
// Caller-owned, like the ring timeout.
func (m *Machine) connectTimeoutFired(callID string) {
	m.mu.Lock()
	if m.state != StateConnecting || m.rec == nil || m.rec.ID != callID {
		m.mu.Unlock()
		return
	}
	rec := m.rec
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	final, err := m.writeStatus(ctx, rec, []CallStatus{StatusAnswered}, func(r *CallRecord) {
		r.Status = StatusTimeout
		r.EndedAt = m.now().Unix()
	})
	if err != nil {
		if errors.Is(err, ErrConflict) && final != nil && final.Status.Terminal() {
			m.resolveTerminal(final, reasonForStatus(final.Status), 0)
			return
		}
		log.Error().Err(err).Str("call_id", rec.ID).Msg("Connect timeout write failed")
		final = rec.Clone()
		final.Status = StatusTimeout
		final.EndedAt = m.now().Unix()
	}

	log.Info().Str("call_id", rec.ID).Msg("Call timed out before media established")
	m.resolveTerminal(final, ReasonTimeout, 0)
}

// writeStatus performs one status transition with the two-copy fan-out. The
// conditional write goes against the receiver-inbox copy first, which acts
// as the arbiter; only a winner mirrors the result onto the caller copy.
// Exactly one writer can win each transition, so racing clients always
// converge on the same terminal state. On ErrConflict the current arbiter
// record is returned for the caller to follow.
func (m *Machine) writeStatus(ctx context.Context, rec *CallRecord, from []CallStatus, patch func(*CallRecord)) (*CallRecord, error) {
	final, err := m.store.ConditionalUpdate(ctx, rec.ReceiverKey(), from, patch)
	if err != nil {
		return final, err
	}

	// Mirror the winning state onto the caller copy. A conflict here means
	// the mirror already carries a terminal status, which only happens after
	// the arbiter did too; nothing to fix. Transient failures get a bounded
	// retry; a mirror lost past that is repaired when the caller's next
	// transition re-reads the arbiter through its conflict path.
	for attempt := 0; ; attempt++ {
		_, err := m.store.ConditionalUpdate(ctx, rec.CallerKey(), []CallStatus{StatusRinging, StatusAnswered}, func(r *CallRecord) {
			*r = *final
		})
		if err == nil || errors.Is(err, ErrConflict) {
			break
		}
		if attempt >= mirrorRetries {
			log.Warn().Err(err).Str("call_id", rec.ID).Msg("Failed to mirror status onto caller copy")
			break
		}
	}

	return final, nil
}

// resolveTerminal finishes a call exactly once: timers cancelled, media
// dropped, state back to idle, one OnCallEnded emission, and the
// caller-attributed chat log entry. Duplicate resolutions for the same call
// ID are no-ops, which is what makes local and remote-observed termination
// converge on a single side effect.
func (m *Machine) resolveTerminal(rec *CallRecord, reason EndReason, clockSeconds int) {
	m.mu.Lock()
	if _, done := m.resolved[rec.ID]; done {
		m.mu.Unlock()
		return
	}
	m.resolved[rec.ID] = struct{}{}
	if len(m.resolved) > 1024 {
		m.resolved = map[string]struct{}{rec.ID: {}}
	}
	m.state = StateIdle
	m.rec = nil
	m.privKey = nil
	m.muted = false
	m.last = rec
	m.mu.Unlock()

	m.timeouts.CancelAll()
	m.media.Release()

	if reason == ReasonMissed || reason == ReasonTimeout {
		m.events.OnCallTimeout(rec)
	}
	m.events.OnCallEnded(rec, reason)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	m.reporter.Report(ctx, rec, clockSeconds)
}

// deriveAndInstallSessionKey derives the per-call media key once the peer's
// public key is visible and hands it to the media transport. Best-effort: a
// failed derivation never fails the call.
func (m *Machine) deriveAndInstallSessionKey(rec *CallRecord, peerPubB64 string) {
	if peerPubB64 == "" {
		return
	}
	m.mu.Lock()
	privKey := m.privKey
	m.mu.Unlock()
	if privKey == nil {
		return
	}

	key, err := deriveSessionKey(privKey, peerPubB64, rec.ID)
	if err != nil {
		log.Warn().Err(err).Str("call_id", rec.ID).Msg("Failed to derive media session key")
		return
	}
	m.media.SetSessionKey(key)
}

// Close cancels all timers. It does not mutate any call record; an
// in-progress call keeps its store state for the peer's timeout authority to
// settle.
func (m *Machine) Close() {
	m.timeouts.CancelAll()
}

func (m *Machine) clearBusy() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// noopEvents is the default Events sink.
type noopEvents struct{}

func (noopEvents) OnIncomingCall(*CallRecord)         {}
func (noopEvents) OnCallAnswered(*CallRecord)         {}
func (noopEvents) OnCallEnded(*CallRecord, EndReason) {}
func (noopEvents) OnRemoteMediaAvailable(any)         {}
func (noopEvents) OnCallTimeout(*CallRecord)          {}


package signaling

import (
	"sync"
	"time"
)

const (
	// RingTimeout is how long a caller waits for an answer before the call
	// is marked missed. Only the caller's timeout manager ever fires this;
	// the receiver reacts to the caller's terminal write instead, so the two
	// sides can never race conflicting terminal statuses.
	RingTimeout = 30 * time.Second

	// ConnectTimeout bounds the wait between an answered record and media
	// establishment. Caller-owned, like the ring timeout.
	ConnectTimeout = 20 * time.Second
)

// TimeoutManager schedules and cancels the ring and connect timeouts and
// runs the call-duration clock. Timer callbacks re-check machine state
// before acting, so a timer that leaks past a transition fires as a no-op.
type TimeoutManager struct {
	now func() time.Time

	mu      sync.Mutex
	ring    *time.Timer
	connect *time.Timer

	clockStart time.Time
	ticker     *time.Ticker
	tickDone   chan struct{}
	seconds    int
}

// NewTimeoutManager creates a timeout manager. now may be nil to use
// time.Now; tests inject a fake clock.
func NewTimeoutManager(now func() time.Time) *TimeoutManager {
	if now == nil {
		now = time.Now
	}
	return &TimeoutManager{now: now}
}

// ArmRing schedules fire after d, replacing any armed ring timeout.
func (t *TimeoutManager) ArmRing(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring != nil {
		t.ring.Stop()
	}
	t.ring = time.AfterFunc(d, fire)
}

// CancelRing stops a pending ring timeout. Safe when none is armed.
func (t *TimeoutManager) CancelRing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring != nil {
		t.ring.Stop()
		t.ring = nil
	}
}

// ArmConnect schedules fire after d, replacing any armed connect timeout.
func (t *TimeoutManager) ArmConnect(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connect != nil {
		t.connect.Stop()
	}
	t.connect = time.AfterFunc(d, fire)
}

// CancelConnect stops a pending connect timeout. Safe when none is armed.
func (t *TimeoutManager) CancelConnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connect != nil {
		t.connect.Stop()
		t.connect = nil
	}
}

// StartClock starts the call-duration clock. The ticking counter feeds the
// UI; the written duration comes from the start/stop span so it does not
// drift with tick scheduling.
func (t *TimeoutManager) StartClock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		return // already running
	}
	t.clockStart = t.now()
	t.seconds = 0
	t.ticker = time.NewTicker(time.Second)
	t.tickDone = make(chan struct{})
	go func(tick *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				t.mu.Lock()
				t.seconds++
				t.mu.Unlock()
			}
		}
	}(t.ticker, t.tickDone)
}

// StopClock stops the duration clock and returns the elapsed whole seconds,
// or zero if the clock never started.
func (t *TimeoutManager) StopClock() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return 0
	}
	t.ticker.Stop()
	close(t.tickDone)
	t.ticker = nil
	t.tickDone = nil
	elapsed := int(t.now().Sub(t.clockStart) / time.Second)
	t.clockStart = time.Time{}
	return elapsed
}

// Seconds returns the current display counter of the duration clock.
func (t *TimeoutManager) Seconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seconds
}

// CancelAll stops every timer and the clock. Used on any transition back to
// idle so nothing leaks across calls.
func (t *TimeoutManager) CancelAll() {
	t.CancelRing()
	t.CancelConnect()
	t.StopClock()
}

// Package store provides implementations of the signaling record store: a
// NATS JetStream key-value store for production and an in-memory store with
// the same semantics for tests and local development.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nimblechat/callcore/signaling"
)

// Memory is an in-memory RecordStore. It mimics the delivery contract of
// the real store: at-least-once notification per subscriber with no
// cross-writer ordering, plus a Redeliver hook so tests can force the
// duplicate deliveries a reconnecting watcher produces.
type Memory struct {
	mu      sync.Mutex
	records map[string]*signaling.CallRecord
	history map[string][]signaling.CallStatus
	subs    map[int]*memorySub
	nextSub int
}

type memorySub struct {
	prefix string
	ch     chan *signaling.CallRecord
	once   sync.Once
}

// NewMemory creates an empty in-memory record store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*signaling.CallRecord),
		history: make(map[string][]signaling.CallStatus),
		subs:    make(map[int]*memorySub),
	}
}

// Create stores a new record under key and notifies subscribers.
func (m *Memory) Create(ctx context.Context, key string, rec *signaling.CallRecord) error {
	m.mu.Lock()
	if _, exists := m.records[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("record already exists under %s", key)
	}
	stored := rec.Clone()
	m.records[key] = stored
	m.history[key] = append(m.history[key], stored.Status)
	m.notifyLocked(key, stored)
	m.mu.Unlock()
	return nil
}

// ConditionalUpdate applies patch only if the current status is in from.
func (m *Memory) ConditionalUpdate(ctx context.Context, key string, from []signaling.CallStatus, patch func(*signaling.CallRecord)) (*signaling.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", key, signaling.ErrNotFound)
	}
	if !statusIn(cur.Status, from) {
		return cur.Clone(), fmt.Errorf("update %s from %s: %w", key, cur.Status, signaling.ErrConflict)
	}

	next := cur.Clone()
	patch(next)
	m.records[key] = next
	m.history[key] = append(m.history[key], next.Status)
	m.notifyLocked(key, next)
	return next.Clone(), nil
}

// Get returns the record under key.
func (m *Memory) Get(ctx context.Context, key string) (*signaling.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, signaling.ErrNotFound)
	}
	return cur.Clone(), nil
}

// ListActive returns the non-terminal records in userID's inbox.
func (m *Memory) ListActive(ctx context.Context, userID string) ([]*signaling.CallRecord, error) {
	prefix := signaling.InboxPrefix(userID)
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*signaling.CallRecord
	for key, rec := range m.records {
		if strings.HasPrefix(key, prefix) && rec.Status.Active() {
			active = append(active, rec.Clone())
		}
	}
	return active, nil
}

// Subscribe streams changes for records in userID's inbox. The returned
// cancel is idempotent.
func (m *Memory) Subscribe(ctx context.Context, userID string) (<-chan *signaling.CallRecord, func(), error) {
	sub := &memorySub{
		prefix: signaling.InboxPrefix(userID),
		ch:     make(chan *signaling.CallRecord, 64),
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Redeliver re-notifies subscribers with the current record under key,
// simulating the duplicate delivery of a reconnecting watcher. Test hook.
func (m *Memory) Redeliver(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		m.notifyLocked(key, rec)
	}
}

// StatusHistory returns every status written under key in order. Test hook
// for asserting single-writer invariants (e.g. missed is written exactly
// once).
func (m *Memory) StatusHistory(key string) []signaling.CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signaling.CallStatus(nil), m.history[key]...)
}

func (m *Memory) notifyLocked(key string, rec *signaling.CallRecord) {
	for _, sub := range m.subs {
		if !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- rec.Clone():
		default:
			// Subscriber is not draining; drop rather than block the writer.
		}
	}
}

func statusIn(s signaling.CallStatus, set []signaling.CallStatus) bool {
	for _, allowed := range set {
		if s == allowed {
			return true
		}
	}
	return false
}

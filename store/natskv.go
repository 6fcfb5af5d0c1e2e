package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/nimblechat/callcore/signaling"
)

// casRetries bounds the read-modify-update loop of a conditional write. A
// revision mismatch means another writer landed between our read and our
// update; re-reading re-evaluates the status predicate against the new
// state.
const casRetries = 5

// NATSKV is the production RecordStore backed by a NATS JetStream key-value
// bucket. Call records live under per-user inbox keys
// ("inbox.<userId>.<callId>"); watchers give at-least-once change
// notification, and revision-checked updates give the conditional writes
// that resolve concurrent-writer races.
type NATSKV struct {
	kv nats.KeyValue
}

// NewNATSKV opens (or creates) the record bucket on an established NATS
// connection. Reconnect behavior belongs to the connection's own options.
func NewNATSKV(nc *nats.Conn, bucket string) (*NATSKV, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "call signaling records",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open record bucket %s: %w", bucket, err)
	}

	return &NATSKV{kv: kv}, nil
}

// Create stores a new record under key, failing if the key already exists.
func (s *NATSKV) Create(ctx context.Context, key string, rec *signaling.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}
	if _, err := s.kv.Create(key, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("create %s: key exists: %w", key, signaling.ErrConflict)
		}
		return fmt.Errorf("create %s: %w", key, signaling.ErrStoreUnavailable)
	}
	return nil
}

// ConditionalUpdate applies patch under key only while the current status is
// in from, using a revision-checked update so concurrent writers resolve
// deterministically: exactly one wins, the other re-reads and observes the
// winner's state with ErrConflict.
func (s *NATSKV) ConditionalUpdate(ctx context.Context, key string, from []signaling.CallStatus, patch func(*signaling.CallRecord)) (*signaling.CallRecord, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return nil, fmt.Errorf("update %s: %w", key, signaling.ErrNotFound)
			}
			return nil, fmt.Errorf("update %s: %w", key, signaling.ErrStoreUnavailable)
		}

		var cur signaling.CallRecord
		if err := json.Unmarshal(entry.Value(), &cur); err != nil {
			return nil, fmt.Errorf("update %s: corrupt record: %w", key, err)
		}

		if !statusIn(cur.Status, from) {
			return &cur, fmt.Errorf("update %s from %s: %w", key, cur.Status, signaling.ErrConflict)
		}

		next := cur.Clone()
		patch(next)
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", key, err)
		}

		if _, err := s.kv.Update(key, data, entry.Revision()); err != nil {
			// Lost the revision race; re-read and re-evaluate the predicate.
			log.Debug().Str("key", key).Int("attempt", attempt).Msg("KV revision race, retrying")
			continue
		}
		return next, nil
	}
	return nil, fmt.Errorf("update %s: retries exhausted: %w", key, signaling.ErrStoreUnavailable)
}

// Get reads the record under key.
func (s *NATSKV) Get(ctx context.Context, key string) (*signaling.CallRecord, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("get %s: %w", key, signaling.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, signaling.ErrStoreUnavailable)
	}

	var rec signaling.CallRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("get %s: corrupt record: %w", key, err)
	}
	return &rec, nil
}

// ListActive scans the user's inbox for non-terminal records by draining a
// watcher's initial values.
func (s *NATSKV) ListActive(ctx context.Context, userID string) ([]*signaling.CallRecord, error) {
	watcher, err := s.kv.Watch(inboxPattern(userID), nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list inbox %s: %w", userID, signaling.ErrStoreUnavailable)
	}
	defer watcher.Stop()

	var active []*signaling.CallRecord
	for entry := range watcher.Updates() {
		if entry == nil {
			// End of initial values.
			return active, nil
		}
		var rec signaling.CallRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", entry.Key()).Msg("Skipping corrupt record during reconciliation")
			continue
		}
		if rec.Status.Active() {
			active = append(active, &rec)
		}
	}
	return active, nil
}

// Subscribe watches the user's inbox and streams record changes until
// cancelled. Delivery is at-least-once: the watcher replays current values
// on (re)start, and the listener's dedup absorbs the repeats.
func (s *NATSKV) Subscribe(ctx context.Context, userID string) (<-chan *signaling.CallRecord, func(), error) {
	watcher, err := s.kv.Watch(inboxPattern(userID), nats.IgnoreDeletes())
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe inbox %s: %w", userID, signaling.ErrStoreUnavailable)
	}

	ch := make(chan *signaling.CallRecord, 64)
	go func() {
		defer close(ch)
		for entry := range watcher.Updates() {
			if entry == nil || entry.Operation() != nats.KeyValuePut {
				continue
			}
			var rec signaling.CallRecord
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				log.Warn().Err(err).Str("key", entry.Key()).Msg("Skipping corrupt record from watcher")
				continue
			}
			select {
			case ch <- &rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := watcher.Stop(); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("Failed to stop inbox watcher")
			}
		})
	}
	return ch, cancel, nil
}

func inboxPattern(userID string) string {
	return signaling.InboxPrefix(userID) + ">"
}

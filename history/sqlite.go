// Package history provides the durable local side of a call's afterlife: the
// caller-attributed chat log entries the termination reporter writes, and
// snapshots of call records for the in-app call history list. Backed by
// SQLite; signaling correctness never depends on it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nimblechat/callcore/signaling"
)

// Store is the SQLite-backed call history and chat log sink.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path. Use ":memory:" for
// an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- One row per terminal call outcome, written by the termination
	-- reporter on the caller's client only. The primary key makes the
	-- write idempotent at the sink as well.
	CREATE TABLE IF NOT EXISTS call_log (
		call_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		caller_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		verb TEXT NOT NULL,
		duration_secs INTEGER NOT NULL DEFAULT 0,
		logged_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_log_chat ON call_log(chat_id, logged_at DESC);

	-- Record snapshots for the in-app call history list.
	CREATE TABLE IF NOT EXISTS call_history (
		call_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		record BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_history_started ON call_history(started_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// AppendCallOutcome writes one chat log entry for a terminal call outcome.
// A repeat write for the same call is a no-op, keeping the sink exactly-once
// even if an upstream dedup resets.
func (s *Store) AppendCallOutcome(ctx context.Context, entry signaling.CallLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO call_log
			(call_id, chat_id, caller_id, receiver_id, verb, duration_secs, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.CallID, entry.ChatID, entry.CallerID, entry.ReceiverID,
		entry.Verb, entry.Duration, entry.LoggedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append call log entry: %w", err)
	}
	return nil
}

// Outcome returns the logged entry for a call, or signaling.ErrNotFound.
func (s *Store) Outcome(ctx context.Context, callID string) (*signaling.CallLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, chat_id, caller_id, receiver_id, verb, duration_secs, logged_at
		FROM call_log WHERE call_id = ?`, callID)

	var e signaling.CallLogEntry
	err := row.Scan(&e.CallID, &e.ChatID, &e.CallerID, &e.ReceiverID, &e.Verb, &e.Duration, &e.LoggedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call log %s: %w", callID, signaling.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read call log entry: %w", err)
	}
	return &e, nil
}

// SaveRecord upserts a call record snapshot into the history list. Every
// observed change overwrites the previous snapshot, so the row always holds
// the latest known state of the call.
func (s *Store) SaveRecord(ctx context.Context, rec *signaling.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_history (call_id, started_at, status, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		rec.ID, rec.StartedAt, string(rec.Status), data,
	)
	if err != nil {
		return fmt.Errorf("failed to save call history snapshot: %w", err)
	}
	return nil
}

// RecentCalls returns up to limit record snapshots most recent first,
// optionally only those started strictly before the given Unix timestamp.
// hasMore reports whether older entries remain for pagination.
func (s *Store) RecentCalls(ctx context.Context, limit int, before int64) ([]*signaling.CallRecord, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT record FROM call_history`
	args := []any{}
	if before > 0 {
		query += ` WHERE started_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query call history: %w", err)
	}
	defer rows.Close()

	var records []*signaling.CallRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, false, fmt.Errorf("failed to scan call history row: %w", err)
		}
		var rec signaling.CallRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // skip corrupt snapshot
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate call history: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	return records, hasMore, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Package threadstore is the SQLite-backed persistence layer for threads,
// their message history, and the per-thread state snapshot.
package threadstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tracklab/tracklab-agent/internal/thread"
)

// Store persists threads locally.
//
// Notes:
// - WAL is enabled to support concurrent reads while a run is writing.
// - The connection pool is pinned to one connection so transactions never
//   contend with each other inside the same process.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetThread returns (nil, nil) when the thread does not exist.
func (s *Store) GetThread(ctx context.Context, owner string, threadID string) (*thread.Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	threadID = strings.TrimSpace(threadID)
	if owner == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	var t thread.Thread
	var metadataJSON string
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, owner, title, metadata_json, created_at_unix_ms, updated_at_unix_ms
FROM threads
WHERE owner = ? AND thread_id = ?
`, owner, threadID).Scan(&t.ID, &t.Owner, &t.Title, &metadataJSON, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(metadataJSON) != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode thread metadata: %w", err)
		}
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t thread.Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.ID = strings.TrimSpace(t.ID)
	t.Owner = strings.TrimSpace(t.Owner)
	t.Title = strings.TrimSpace(t.Title)
	if t.ID == "" || t.Owner == "" {
		return errors.New("invalid thread")
	}

	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}

	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode thread metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO threads(thread_id, owner, title, metadata_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, t.ID, t.Owner, t.Title, string(metadataJSON), t.CreatedAtUnixMs, t.UpdatedAtUnixMs)
	return err
}

// UpdateThreadMetadata replaces the metadata blob and bumps updated_at.
func (s *Store) UpdateThreadMetadata(ctx context.Context, owner string, threadID string, md thread.Metadata) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	threadID = strings.TrimSpace(threadID)
	if owner == "" || threadID == "" {
		return errors.New("invalid request")
	}

	metadataJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode thread metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET metadata_json = ?, updated_at_unix_ms = ?
WHERE owner = ? AND thread_id = ?
`, string(metadataJSON), time.Now().UnixMilli(), owner, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListThreads returns summaries in most-recently-updated order.
func (s *Store) ListThreads(ctx context.Context, owner string, limit int) ([]thread.Summary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("missing owner")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT t.thread_id, t.title, t.updated_at_unix_ms,
       (SELECT COUNT(1) FROM messages m WHERE m.thread_id = t.thread_id) AS message_count
FROM threads t
WHERE t.owner = ?
ORDER BY t.updated_at_unix_ms DESC, t.thread_id DESC
LIMIT ?
`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]thread.Summary, 0, limit)
	for rows.Next() {
		var sm thread.Summary
		if err := rows.Scan(&sm.ID, &sm.Title, &sm.UpdatedAtUnixMs, &sm.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns the full history in insertion order.
func (s *Store) ListMessages(ctx context.Context, owner string, threadID string) ([]thread.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	threadID = strings.TrimSpace(threadID)
	if owner == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT m.payload_json
FROM messages m
JOIN threads t ON t.thread_id = m.thread_id
WHERE t.owner = ? AND m.thread_id = ?
ORDER BY m.id ASC
`, owner, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []thread.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg thread.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetState returns (nil, nil) when the thread has no stored snapshot.
func (s *Store) GetState(ctx context.Context, owner string, threadID string) (json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	threadID = strings.TrimSpace(threadID)
	if owner == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `
SELECT st.payload_json
FROM states st
JOIN threads t ON t.thread_id = st.thread_id
WHERE t.owner = ? AND st.thread_id = ?
`, owner, threadID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// UpsertState writes the state snapshot outside of a run, used when a thread
// is created with a client-provided initial state.
func (s *Store) UpsertState(ctx context.Context, owner string, threadID string, state json.RawMessage) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	threadID = strings.TrimSpace(threadID)
	if owner == "" || threadID == "" {
		return errors.New("invalid request")
	}
	if len(state) == 0 || !json.Valid(state) {
		return errors.New("invalid state payload")
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM threads WHERE owner = ? AND thread_id = ?
`, owner, threadID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return sql.ErrNoRows
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO states(thread_id, payload_json, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  payload_json = excluded.payload_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, threadID, string(state), time.Now().UnixMilli())
	return err
}

// ReplaceRun commits the terminal result of a run in one transaction: the
// stored history is replaced wholesale, the state snapshot is upserted, and
// the thread row is touched. Either all of it lands or none of it does.
func (s *Store) ReplaceRun(ctx context.Context, owner string, threadID string, history []thread.Message, state json.RawMessage) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	owner = strings.TrimSpace(owner)
	threadID = strings.TrimSpace(threadID)
	if owner == "" || threadID == "" {
		return errors.New("invalid request")
	}
	if len(state) == 0 || !json.Valid(state) {
		return errors.New("invalid state payload")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM threads WHERE owner = ? AND thread_id = ?
`, owner, threadID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	for _, msg := range history {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(thread_id, payload_json, created_at_unix_ms)
VALUES(?, ?, ?)
`, threadID, string(payload), now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO states(thread_id, payload_json, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  payload_json = excluded.payload_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, threadID, string(state), now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE threads SET updated_at_unix_ms = ? WHERE thread_id = ?
`, now, threadID); err != nil {
		return err
	}

	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_owner_updated ON threads(owner, updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id, id ASC);

CREATE TABLE IF NOT EXISTS states (
  thread_id TEXT PRIMARY KEY,
  payload_json TEXT NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

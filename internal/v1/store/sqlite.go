// Package store provides a durable, cross-restart implementation of
// coordinator.RoomStore and coordinator.MessageStore backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/watchparty/server/internal/v1/coordinator"
)

// SQLiteStore persists Room and Message rows in a single SQLite database.
// It implements both coordinator.RoomStore and coordinator.MessageStore.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &SQLiteStore{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is alive, used by health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	host_user_id TEXT NOT NULL DEFAULT '',
	host_display_name TEXT NOT NULL DEFAULT '',
	current_video_url TEXT NOT NULL DEFAULT '',
	current_video_title TEXT NOT NULL DEFAULT '',
	last_known_time REAL NOT NULL DEFAULT 0 CHECK(last_known_time >= 0),
	last_known_state TEXT NOT NULL DEFAULT 'paused',
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	ts_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// Create inserts a new room row.
func (s *SQLiteStore) Create(ctx context.Context, room *coordinator.Room) error {
	const q = `
INSERT INTO rooms (
	room_id, host_user_id, host_display_name, current_video_url, current_video_title,
	last_known_time, last_known_state, created_at_unix_ms, updated_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = now
	}
	state := room.LastKnownState
	if state == "" {
		state = coordinator.StatePaused
	}
	_, err := s.db.ExecContext(ctx, q,
		room.RoomID, room.HostUserID, room.HostDisplayName, room.CurrentVideoURL, room.CurrentVideoTitle,
		room.LastKnownTime, string(state), room.CreatedAt.UnixMilli(), room.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// GetByID loads a room row, returning coordinator.ErrRoomNotFound when
// roomID is unknown.
func (s *SQLiteStore) GetByID(ctx context.Context, roomID string) (*coordinator.Room, error) {
	const q = `
SELECT room_id, host_user_id, host_display_name, current_video_url, current_video_title,
       last_known_time, last_known_state, created_at_unix_ms, updated_at_unix_ms
FROM rooms WHERE room_id = ?
`
	row := s.db.QueryRowContext(ctx, q, roomID)

	var r coordinator.Room
	var state string
	var createdMS, updatedMS int64
	err := row.Scan(&r.RoomID, &r.HostUserID, &r.HostDisplayName, &r.CurrentVideoURL, &r.CurrentVideoTitle,
		&r.LastKnownTime, &state, &createdMS, &updatedMS)
	if err == sql.ErrNoRows {
		return nil, coordinator.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query room: %w", err)
	}
	r.LastKnownState = coordinator.PlaybackState(state)
	r.CreatedAt = time.UnixMilli(createdMS).UTC()
	r.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &r, nil
}

// Update applies a partial patch to an existing room row.
func (s *SQLiteStore) Update(ctx context.Context, roomID string, patch coordinator.RoomPatch) error {
	sets := []string{"updated_at_unix_ms = ?"}
	args := []any{time.Now().UTC().UnixMilli()}

	if patch.HostDisplayName != nil {
		sets = append(sets, "host_display_name = ?")
		args = append(args, *patch.HostDisplayName)
	}
	if patch.CurrentVideoURL != nil {
		sets = append(sets, "current_video_url = ?")
		args = append(args, *patch.CurrentVideoURL)
	}
	if patch.CurrentVideoTitle != nil {
		sets = append(sets, "current_video_title = ?")
		args = append(args, *patch.CurrentVideoTitle)
	}
	if patch.LastKnownTime != nil {
		sets = append(sets, "last_known_time = ?")
		args = append(args, *patch.LastKnownTime)
	}
	if patch.LastKnownState != nil {
		sets = append(sets, "last_known_state = ?")
		args = append(args, string(*patch.LastKnownState))
	}

	args = append(args, roomID)
	q := fmt.Sprintf("UPDATE rooms SET %s WHERE room_id = ?", strings.Join(sets, ", "))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinator.ErrRoomNotFound
	}
	return nil
}

// Append persists one chat message.
func (s *SQLiteStore) Append(ctx context.Context, msg coordinator.Message) error {
	const q = `INSERT INTO messages (room_id, author, body, ts_unix_ms) VALUES (?, ?, ?, ?)`
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, q, msg.RoomID, msg.Author, msg.Body, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListByRoom returns up to limit messages for roomID in chronological order.
func (s *SQLiteStore) ListByRoom(ctx context.Context, roomID string, limit int) ([]coordinator.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT room_id, author, body, ts_unix_ms
FROM messages
WHERE room_id = ?
ORDER BY ts_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []coordinator.Message
	for rows.Next() {
		var m coordinator.Message
		var tsMS int64
		if err := rows.Scan(&m.RoomID, &m.Author, &m.Body, &tsMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(tsMS).UTC()
		msgs = append(msgs, m)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

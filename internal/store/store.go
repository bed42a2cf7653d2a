// Package store provides the durable SQLite record of play sessions and
// their artifacts for studysync.
//
// The store is the single source of truth for what has and hasn't been
// confirmed delivered upstream. Every mutation is committed before the
// caller is told it succeeded, so an acknowledged event survives a crash
// or power loss. All other components hold at most a transient copy of a
// row for the duration of one operation.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL
// for concurrency support.
//
// Schema:
//   - plays: one row per recorded game session, never deleted
//   - screenshots, saves: discovered artifacts awaiting upload
//   - current: singleton pointer to the play artifacts attach to
//   - partial indexes over pending work, so pending queries cost is
//     proportional to outstanding work rather than total history
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite database connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// using it. The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer at a time; SQLite serializes transactions itself.
	conn.SetMaxOpenConns(1)

	s := &Store{
		conn: conn,
		path: path,
	}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Full durability: a committed transaction survives power loss.
	if _, err := s.conn.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS plays (
		id INTEGER PRIMARY KEY,
		local_id TEXT NOT NULL UNIQUE,
		game TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		intake_id INTEGER,
		submitted_start TEXT,
		submitted_end TEXT,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS screenshots (
		id INTEGER PRIMARY KEY,
		play_id INTEGER REFERENCES plays(id),
		path TEXT NOT NULL,
		directory TEXT NOT NULL,
		digest TEXT,
		created_at TEXT NOT NULL,
		uploaded_at TEXT,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS saves (
		id INTEGER PRIMARY KEY,
		play_id INTEGER REFERENCES plays(id),
		screenshot_id INTEGER REFERENCES screenshots(id),
		path TEXT NOT NULL,
		directory TEXT NOT NULL,
		digest TEXT,
		created_at TEXT NOT NULL,
		uploaded_at TEXT,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	-- Singleton pointer to the play artifacts attach to. A cache of
	-- "most recent open-or-just-closed play", rederivable from plays.
	CREATE TABLE IF NOT EXISTS current (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		play_id INTEGER REFERENCES plays(id)
	);

	-- Pending-work indexes. Partial, so their size tracks outstanding
	-- work while play history grows unboundedly.
	CREATE INDEX IF NOT EXISTS idx_plays_pending
	    ON plays(start_time) WHERE submitted_end IS NULL AND skipped = 0;
	CREATE INDEX IF NOT EXISTS idx_screenshots_pending
	    ON screenshots(created_at) WHERE uploaded_at IS NULL AND skipped = 0;
	CREATE INDEX IF NOT EXISTS idx_saves_pending
	    ON saves(created_at) WHERE uploaded_at IS NULL AND skipped = 0;

	CREATE INDEX IF NOT EXISTS idx_plays_start ON plays(start_time);
	CREATE INDEX IF NOT EXISTS idx_screenshots_play ON screenshots(play_id);
	CREATE INDEX IF NOT EXISTS idx_saves_play ON saves(play_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// Timestamps are stored as UTC RFC3339 text. Fixed width, so string
// comparison in SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

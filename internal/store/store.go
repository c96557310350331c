// Package store provides the durable mapping store for scriptsync.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) opened in
// WAL mode for concurrent readers. It owns four concerns:
//
//   - scripts/sentences: the catalog snapshot used for duration
//     validation and nominal-range fallback
//   - sentence_mappings: versioned sentence-to-timecode bindings with a
//     partial unique index guaranteeing at most one active mapping per
//     sentence
//   - mapping_edits: the append-only audit trail, written in the same
//     transaction as every mapping change
//   - sync_sessions: ephemeral per-connection playback state
//
// The deactivate-old + insert-new + append-audit triplet in CreateMapping
// is a single transaction; a race between two writers for the same
// sentence surfaces as ErrConflict to the loser.
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

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path.
//
// The database is opened in WAL mode with a 5 second busy timeout and
// foreign keys enabled. The caller must call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
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

// InitSchema creates all tables and indexes. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scripts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL CHECK (duration > 0)
	);

	CREATE TABLE IF NOT EXISTS sentences (
		id TEXT PRIMARY KEY,
		script_id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		nominal_start REAL NOT NULL DEFAULT 0,
		nominal_end REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (script_id) REFERENCES scripts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sentence_mappings (
		id TEXT PRIMARY KEY,
		sentence_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		confidence_score REAL NOT NULL,
		mapping_type TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		UNIQUE (sentence_id, version),
		FOREIGN KEY (sentence_id) REFERENCES sentences(id) ON DELETE CASCADE
	);

	-- The single-active-mapping invariant: at most one is_active row per
	-- sentence, enforced by the database itself.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_one_active
	    ON sentence_mappings(sentence_id) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS mapping_edits (
		id TEXT PRIMARY KEY,
		sentence_id TEXT NOT NULL,
		user_id TEXT,
		old_start_time REAL,
		old_end_time REAL,
		new_start_time REAL NOT NULL,
		new_end_time REAL NOT NULL,
		edit_reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_sessions (
		id TEXT PRIMARY KEY,
		script_id TEXT NOT NULL,
		user_id TEXT,
		connection_id TEXT NOT NULL,
		current_sentence_id TEXT,
		current_position REAL NOT NULL DEFAULT 0,
		is_playing INTEGER NOT NULL DEFAULT 0,
		playback_rate REAL NOT NULL DEFAULT 1.0,
		joined_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_sentences_script
	    ON sentences(script_id, order_index);
	CREATE INDEX IF NOT EXISTS idx_mappings_sentence
	    ON sentence_mappings(sentence_id, version);
	CREATE INDEX IF NOT EXISTS idx_edits_sentence
	    ON mapping_edits(sentence_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_script
	    ON sync_sessions(script_id, is_active);
	CREATE INDEX IF NOT EXISTS idx_sessions_conn
	    ON sync_sessions(connection_id, script_id, is_active);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// floatToNull converts a float pointer to a nullable SQL float.
func floatToNull(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullToFloat converts a nullable SQL float to a pointer.
func nullToFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

// parseTime parses an RFC3339 timestamp stored as TEXT.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

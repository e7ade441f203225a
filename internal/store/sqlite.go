// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists whole threads as JSON with listing columns and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/biznet-io/coday/internal/thread"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			name TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_user_modified
			ON threads(username, modified_at);

		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			thread_id TEXT,
			username TEXT NOT NULL,
			agent TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_thread ON usage(thread_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_usage_created ON usage(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "threads",
			column: "summary",
			apply:  `ALTER TABLE threads ADD COLUMN summary TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveThread upserts the thread. Messages, cumulative usage and provider
// data travel in the JSON document; the other columns serve listing.
func (s *SQLiteStore) SaveThread(ctx context.Context, th *thread.Thread) error {
	if th.ID == "" {
		return ErrMissingID
	}

	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encoding thread: %w", err)
	}

	query := `
		INSERT INTO threads (id, username, name, summary, data, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			summary = excluded.summary,
			data = excluded.data,
			modified_at = excluded.modified_at
	`
	_, err = s.db.ExecContext(ctx, query,
		th.ID,
		th.Username,
		th.Name,
		th.Summary,
		string(data),
		formatTime(th.CreatedAt),
		formatTime(th.ModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("saving thread: %w", err)
	}

	s.logger.Debug("saved thread", "id", th.ID, "messages", th.Len())
	return nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM threads WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}

	var th thread.Thread
	if err := json.Unmarshal([]byte(data), &th); err != nil {
		return nil, fmt.Errorf("decoding thread %s: %w", id, err)
	}
	return &th, nil
}

// ListThreads returns summaries of the user's threads, newest first.
func (s *SQLiteStore) ListThreads(ctx context.Context, username string) ([]thread.Summary, error) {
	query := `
		SELECT id, name, summary, modified_at
		FROM threads
		WHERE username = ?
		ORDER BY modified_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []thread.Summary
	for rows.Next() {
		var sum thread.Summary
		var modifiedAt string
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Summary, &modifiedAt); err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		if sum.ModifiedAt, err = parseTime(modifiedAt); err != nil {
			return nil, fmt.Errorf("parsing modified_at: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return summaries, nil
}

// DeleteThread removes a thread. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted thread", "id", id)
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// nullString returns nil for empty strings so optional columns stay NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)

// Package changelog records project mutations observed during a session.
//
// Entries feed two consumers: the smart context builder prioritizes files
// touched in the current session, and the observer agent quotes recent
// changes in its model prompts.
package changelog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"lookout/internal/types"
)

// Store is the append/read surface the rest of the pipeline sees.
// Abstracted so tests can substitute an in-memory double.
type Store interface {
	Append(entry types.ChangeEntry) error
	Recent(n int) ([]types.ChangeEntry, error)
	Close() error
}

// SQLiteStore persists change entries in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open initializes the change log database at the given path.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating change log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening change log database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring change log database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring change log database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_id ON changes(id DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating change log schema: %w", err)
	}
	return nil
}

// Append records one change entry.
func (s *SQLiteStore) Append(entry types.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO changes (ts, kind, detail) VALUES (?, ?, ?)",
		ts.UTC().Format(time.RFC3339), string(entry.Kind), entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("appending change entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first. n <= 0 means all.
func (s *SQLiteStore) Recent(n int) ([]types.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT ts, kind, detail FROM changes ORDER BY id DESC"
	args := []interface{}{}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading change entries: %w", err)
	}
	defer rows.Close()

	var out []types.ChangeEntry
	for rows.Next() {
		var ts, kind, detail string
		if err := rows.Scan(&ts, &kind, &detail); err != nil {
			return nil, fmt.Errorf("scanning change entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			parsed = time.Time{}
		}
		out = append(out, types.ChangeEntry{
			Timestamp: parsed,
			Kind:      types.ChangeKind(kind),
			Detail:    detail,
		})
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

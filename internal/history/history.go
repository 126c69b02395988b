// Package history keeps the append-only record of finished downloads in an
// embedded sqlite database. Records are written once per terminal transition
// and never mutated.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one terminal outcome.
type Record struct {
	ID          int64     `json:"id"`
	ItemID      string    `json:"item_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	OutputPath  string    `json:"output_path"`
	ErrorKind   string    `json:"error_kind"`
	Error       string    `json:"error"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store is the sqlite-backed history log.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	output_path TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_item ON history(item_id);
CREATE INDEX IF NOT EXISTS idx_history_finished ON history(finished_at);
`

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// The driver is in-process; a single connection avoids lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append writes one record. The caller treats failures as non-fatal.
func (s *Store) Append(r Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO history
		(item_id, url, title, state, output_path, error_kind, error, content_type, size_bytes, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ItemID, r.URL, r.Title, r.State, r.OutputPath,
		r.ErrorKind, r.Error, r.ContentType, r.SizeBytes, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first. limit <= 0 means 50.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, item_id, url, title, state, output_path,
		error_kind, error, content_type, size_bytes, finished_at
		FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByItem returns all records for one queue item, oldest first. A retried item
// accumulates one record per terminal transition.
func (s *Store) ByItem(itemID string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT id, item_id, url, title, state, output_path,
		error_kind, error, content_type, size_bytes, finished_at
		FROM history WHERE item_id = ? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get returns one record by its row id.
func (s *Store) Get(id int64) (*Record, error) {
	row := s.db.QueryRow(`SELECT id, item_id, url, title, state, output_path,
		error_kind, error, content_type, size_bytes, finished_at
		FROM history WHERE id = ?`, id)
	var r Record
	err := row.Scan(&r.ID, &r.ItemID, &r.URL, &r.Title, &r.State, &r.OutputPath,
		&r.ErrorKind, &r.Error, &r.ContentType, &r.SizeBytes, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history record: %w", err)
	}
	return &r, nil
}

// UnfinishedPaths returns the distinct output paths of records that never
// reached Completed. Their working files may still be on disk.
func (s *Store) UnfinishedPaths() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT output_path FROM history
		WHERE state != 'completed' AND output_path != ''`)
	if err != nil {
		return nil, fmt.Errorf("query unfinished paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan output path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Clear removes every record.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ItemID, &r.URL, &r.Title, &r.State, &r.OutputPath,
			&r.ErrorKind, &r.Error, &r.ContentType, &r.SizeBytes, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

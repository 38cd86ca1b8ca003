// Package recovery detects and reconciles sessions left dangling by abrupt
// client termination. A durable marker is written when a session starts
// streaming and cleared on its terminal transition; a marker still present at
// startup belongs to a stream that will never resume.
package recovery

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one durable recovery marker.
type Record struct {
	SessionID string
	StartedAt time.Time
}

// Store persists recovery markers in a sqlite database. It implements the
// session manager's Marker interface.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the marker database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("recovery: open %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS recovery_markers (
	session_id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recovery: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Mark records that the session has entered streaming.
func (s *Store) Mark(sessionID string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO recovery_markers (session_id, started_at) VALUES (?, ?)`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recovery: mark %s: %w", sessionID, err)
	}
	return nil
}

// Clear removes the session's marker. Clearing an absent marker is a no-op.
func (s *Store) Clear(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM recovery_markers WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("recovery: clear %s: %w", sessionID, err)
	}
	return nil
}

// Dangling returns all markers, oldest first. At startup every marker is
// dangling by definition: no stream from a previous process can still be
// running in this one.
func (s *Store) Dangling() ([]Record, error) {
	rows, err := s.db.Query(`SELECT session_id, started_at FROM recovery_markers ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("recovery: list markers: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("recovery: scan marker: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recovery: list markers: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

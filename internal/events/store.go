// Package events persists a lightweight audit trail of pipeline lifecycle
// transitions and destination breaker trips in a local sqlite database.
package events

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"infernode/internal/log"
)

// Event is one recorded occurrence.
type Event struct {
	ID         int64     `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Well-known event types.
const (
	TypeStarted            = "started"
	TypeStopped            = "stopped"
	TypeError              = "error"
	TypeDestinationTripped = "destination_tripped"
)

// Store is the sqlite-backed event log.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or opens the database file and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	// sqlite tolerates one writer; keep the pool at one connection so
	// concurrent recorders queue instead of erroring.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_id TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_pipeline ON events(pipeline_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event schema: %w", err)
	}
	return &Store{db: db, log: log.WithComponent("events")}, nil
}

// Record appends one event. Failures are logged, not returned: the event
// log must never take a pipeline down.
func (s *Store) Record(pipelineID, eventType, message string) {
	_, err := s.db.Exec(
		`INSERT INTO events (pipeline_id, type, message, created_at) VALUES (?, ?, ?, ?)`,
		pipelineID, eventType, message, time.Now().UTC(),
	)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to record event")
	}
}

// ListByPipeline returns the newest events for one pipeline, newest first.
func (s *Store) ListByPipeline(pipelineID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, pipeline_id, type, message, created_at
		 FROM events WHERE pipeline_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		pipelineID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention period and reports how many
// were removed.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store for PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

const eventLogSchema = `
CREATE TABLE IF NOT EXISTS event_logs (
    id         UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    type       TEXT NOT NULL,
    session_id UUID,
    detail     TEXT NOT NULL DEFAULT ''
)`

// NewPostgresStore connects to the database and ensures the event log
// table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(eventLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event log schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateEventLog inserts one event log entry.
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *EventLog) error {
	query := `
        INSERT INTO event_logs (id, created_at, type, session_id, detail)
        VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.Type, event.SessionID, event.Detail)
	return err
}

// ListEventLogs lists event logs, newest first.
func (s *PostgresStore) ListEventLogs(ctx context.Context, limit, offset int) ([]*EventLog, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count event logs: %w", err)
	}

	query := `
        SELECT id, created_at, type, session_id, detail
        FROM event_logs
        ORDER BY created_at DESC
        LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list event logs: %w", err)
	}
	defer rows.Close()

	var events []*EventLog
	for rows.Next() {
		ev := &EventLog{}
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &ev.Type, &ev.SessionID, &ev.Detail); err != nil {
			return nil, 0, fmt.Errorf("scan event log: %w", err)
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// Package storage implements the optional event recorder: a small Postgres
// log of daemon and client lifecycle events, useful for auditing tracking
// sessions after the fact. Recording is fire-and-forget; a broken database
// at runtime never disturbs the device streaming path.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/config"
)

// EventLog is one recorded lifecycle event.
type EventLog struct {
	ID        uuid.UUID  `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Type      string     `json:"type"`
	SessionID *uuid.UUID `json:"sessionId,omitempty"`
	Detail    string     `json:"detail"`
}

// Store defines the storage interface.
type Store interface {
	CreateEventLog(ctx context.Context, event *EventLog) error
	ListEventLogs(ctx context.Context, limit, offset int) ([]*EventLog, int64, error)
	Close() error
}

// Recorder wraps a Store with asynchronous recording, or does nothing when
// no database is configured.
type Recorder struct {
	store Store
}

// Open connects the recorder. An empty DSN yields a disabled recorder; a
// configured but unreachable database is a startup error.
func Open(cfg config.DatabaseConfig) (*Recorder, error) {
	if cfg.DSN == "" {
		return &Recorder{}, nil
	}
	store, err := NewPostgresStore(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store}, nil
}

// Enabled reports whether events are actually persisted.
func (r *Recorder) Enabled() bool { return r.store != nil }

// RecordAsync persists one event without blocking the caller. Failures are
// logged and otherwise dropped.
func (r *Recorder) RecordAsync(eventType string, sessionID *uuid.UUID, detail string) {
	if r.store == nil {
		return
	}
	ev := &EventLog{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Detail:    detail,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.CreateEventLog(ctx, ev); err != nil {
			log.Warn().Err(err).Str("type", eventType).Msg("event log insert failed")
		}
	}()
}

// List returns recorded events, newest first.
func (r *Recorder) List(ctx context.Context, limit, offset int) ([]*EventLog, int64, error) {
	if r.store == nil {
		return nil, 0, nil
	}
	return r.store.ListEventLogs(ctx, limit, offset)
}

// Close releases the underlying store.
func (r *Recorder) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// Package sqlite persists runtime events in a SQLite audit table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/conductor/pkg/domain"
	_ "modernc.org/sqlite"
)

// DefaultDSN keeps the audit log in process memory.
const DefaultDSN = "file:conductor_audit?mode=memory&cache=shared"

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	SessionID string
	Solution  string
	Topic     domain.Topic
	Limit     int
}

// AuditStore implements ports.Plugin by recording every event.
type AuditStore struct {
	db    *sql.DB
	owned bool
}

// Open opens (or creates) a SQLite database at dsn and ensures the schema.
func Open(dsn string) (*AuditStore, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	// A single connection keeps shared in-memory databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	store, err := NewAuditStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewAuditStore creates a SQLite-backed audit store and ensures schema.
func NewAuditStore(db *sql.DB) (*AuditStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conductor_events (
			topic TEXT NOT NULL,
			session_id TEXT,
			solution TEXT,
			agent TEXT,
			step_id TEXT,
			component TEXT,
			payload_json TEXT,
			error_text TEXT,
			ts INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS conductor_events_session ON conductor_events(session_id)`); err != nil {
		return fmt.Errorf("failed to ensure audit index: %w", err)
	}
	return nil
}

// HandleEvent implements ports.Plugin.
func (s *AuditStore) HandleEvent(ctx context.Context, event domain.RuntimeEvent) error {
	return s.Record(ctx, event)
}

// Record stores a single event.
func (s *AuditStore) Record(ctx context.Context, event domain.RuntimeEvent) error {
	payload := ""
	if len(event.Payload) > 0 {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = string(raw)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conductor_events (
			topic, session_id, solution, agent, step_id, component, payload_json, error_text, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(event.Topic),
		event.SessionID,
		event.Solution,
		event.Agent,
		event.StepID,
		event.Component,
		payload,
		event.Error,
		ts.UnixNano(),
	)
	return err
}

// List returns events matching the filter, oldest first.
func (s *AuditStore) List(ctx context.Context, filter Filter) ([]domain.RuntimeEvent, error) {
	query := `
		SELECT topic, session_id, solution, agent, step_id, component, payload_json, error_text, ts
		FROM conductor_events
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.SessionID != "" {
		addFilter("session_id = ?", filter.SessionID)
	}
	if filter.Solution != "" {
		addFilter("solution = ?", filter.Solution)
	}
	if filter.Topic != "" {
		addFilter("topic = ?", string(filter.Topic))
	}
	query += where + " ORDER BY rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RuntimeEvent
	for rows.Next() {
		var (
			e       domain.RuntimeEvent
			topic   string
			payload string
			ts      int64
		)
		if err := rows.Scan(&topic, &e.SessionID, &e.Solution, &e.Agent, &e.StepID, &e.Component, &payload, &e.Error, &ts); err != nil {
			return nil, err
		}
		e.Topic = domain.Topic(topic)
		e.Timestamp = time.Unix(0, ts).UTC()
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database when the store opened it.
func (s *AuditStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

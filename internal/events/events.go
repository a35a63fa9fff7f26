// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events persists a queryable journal of lifecycle transitions:
// service starts, stops, crashes, registry prunes, proxy registrations.
// The journal answers "what happened to this service and when" after the
// processes involved are long gone.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Type classifies a journal entry.
type Type string

const (
	TypeServiceStarted    Type = "service.started"
	TypeServiceStopped    Type = "service.stopped"
	TypeServiceCrashed    Type = "service.crashed"
	TypeServiceRestarted  Type = "service.restarted"
	TypeRegistryPruned    Type = "registry.pruned"
	TypeProxyRegistered   Type = "proxy.registered"
	TypeProxyUnregistered Type = "proxy.unregistered"
	TypeBridgeStarted     Type = "bridge.started"
	TypeBridgeStopped     Type = "bridge.stopped"
	TypeBridgeRestarted   Type = "bridge.restarted"
)

// Event is one journal entry. Service, Transport, Port and PID are optional
// and zero-valued when the event is not about a single service.
type Event struct {
	ID        int64          `json:"id"`
	Type      Type           `json:"type"`
	Service   string         `json:"service,omitempty"`
	Transport string         `json:"transport,omitempty"`
	Port      int            `json:"port,omitempty"`
	PID       int            `json:"pid,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Recorder accepts journal entries. Components that emit events depend on
// this rather than the concrete store so tests and disabled configurations
// can swap in Nop.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Config contains journal storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// Journal is the SQLite-backed event store.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database and applies the schema.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// Each in-memory connection is its own empty database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			service TEXT,
			transport TEXT,
			port INTEGER,
			pid INTEGER,
			message TEXT,
			details TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_service ON events(service)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record appends an event. A zero CreatedAt is filled with the current time.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var details []byte
	if len(ev.Details) > 0 {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (type, service, transport, port, pid, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.Service, ev.Transport, ev.Port, ev.PID, ev.Message,
		details, ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Filter narrows a List query. Zero fields match everything.
type Filter struct {
	// Service matches events about one service.
	Service string

	// Type matches one event type.
	Type Type

	// Since keeps events at or after this time.
	Since *time.Time

	// Until keeps events at or before this time.
	Until *time.Time

	// Limit caps the number of results; 0 means no cap.
	Limit int

	// Offset skips the first N results.
	Offset int
}

// List returns matching events, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `SELECT id, type, service, transport, port, pid, message, details, created_at
		FROM events WHERE 1=1`
	args := []any{}

	if filter.Service != "" {
		query += " AND service = ?"
		args = append(args, filter.Service)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, filter.Until.UnixNano())
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var typ string
		var details []byte
		var createdAt int64

		if err := rows.Scan(&ev.ID, &typ, &ev.Service, &ev.Transport, &ev.Port,
			&ev.PID, &ev.Message, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Type = Type(typ)
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events created before the given time and returns the number
// deleted.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		"DELETE FROM events WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

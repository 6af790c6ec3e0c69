package store

import (
	"context"
	"fmt"
	"time"
)

const activityTable = "engine_activity_log"

var schema = map[string]string{
	DriverPostgres: `CREATE TABLE IF NOT EXISTS ` + activityTable + ` (
	id         BIGSERIAL PRIMARY KEY,
	event      TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	DriverSQLite: `CREATE TABLE IF NOT EXISTS ` + activityTable + ` (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}

// Activity is one row of the handler activity log.
type Activity struct {
	ID        int64
	Event     string
	Subject   string // recipient, chat id, ...
	Status    string
	CreatedAt time.Time
}

// Migrate creates the engine tables if they don't exist. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ddl, ok := schema[s.driver]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDriver, s.driver)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", activityTable, MapError(err))
	}
	return nil
}

// RecordActivity inserts a row, inside the transaction carried by ctx when present.
func (s *Store) RecordActivity(ctx context.Context, a Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := s.Rebind(`INSERT INTO ` + activityTable + ` (event, subject, status, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.conn(ctx).ExecContext(ctx, query, a.Event, a.Subject, a.Status, a.CreatedAt); err != nil {
		return fmt.Errorf("failed to record activity: %w", MapError(err))
	}
	return nil
}

// RecentActivity returns up to limit rows, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.Rebind(`SELECT id, event, subject, status, created_at FROM ` + activityTable + ` ORDER BY id DESC LIMIT ?`)
	rows, err := s.conn(ctx).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", MapError(err))
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Event, &a.Subject, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

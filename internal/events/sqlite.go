// SPDX-License-Identifier: MPL-2.0

package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/invowk/companion/pkg/types"
)

const (
	// DefaultListLimit caps List when the caller passes a non-positive limit.
	DefaultListLimit = 200

	recordTimeout = 5 * time.Second
)

// SQLiteReporter stores events in a SQLite database so they can be listed
// after the companion exits.
type SQLiteReporter struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens the database at path (a "sqlite://" prefix is accepted)
// and ensures the events table exists.
func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*SQLiteReporter, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create event database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event database: %w", err)
	}
	return &SQLiteReporter{db: db, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  time TIMESTAMP NOT NULL,
  kind TEXT NOT NULL,
  target TEXT NOT NULL DEFAULT '',
  fields TEXT,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_events_target_time ON events(target, time);
`)
	return err
}

// Record implements Reporter.
func (r *SQLiteReporter) Record(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.Append(ctx, e); err != nil && r.logger != nil {
		r.logger.Error("store event", "kind", e.Kind, "err", err)
	}
}

// Append inserts e and reports any storage error.
func (r *SQLiteReporter) Append(ctx context.Context, e Event) error {
	var fields []byte
	if len(e.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(e.Fields); err != nil {
			return fmt.Errorf("encode event fields: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events(id, time, kind, target, fields, error) VALUES(?,?,?,?,?,?)`,
		e.ID.String(), e.Time.UTC(), string(e.Kind), string(e.Target), string(fields), e.Err)
	return err
}

// List returns up to limit events, oldest first. An empty target lists
// every target.
func (r *SQLiteReporter) List(ctx context.Context, target types.TargetID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := `SELECT id, time, kind, target, fields, error FROM events`
	var args []any
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, string(target))
	}
	q += ` ORDER BY time ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			id, kind, tgt, errMsg string
			fields                sql.NullString
			e                     Event
		)
		if err := rows.Scan(&id, &e.Time, &kind, &tgt, &fields, &errMsg); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event %q: %w", id, err)
		}
		e.Kind = Kind(kind)
		e.Target = types.TargetID(tgt)
		e.Err = errMsg
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("event %s fields: %w", id, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *SQLiteReporter) Close() error {
	return r.db.Close()
}

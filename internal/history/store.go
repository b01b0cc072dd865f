// Package history records executed queries in a SQLite file.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Entry statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one executed query.
type Entry struct {
	ID             int64     `json:"id"`
	QueryID        string    `json:"queryId"`
	User           string    `json:"user"`
	Dialect        string    `json:"dialect"`
	SQL            string    `json:"sql,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Rows           int       `json:"rows"`
	CachedMeasures int       `json:"cachedMeasures"`
	DurationMs     int64     `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	User   string
	Status string
	Since  time.Time
	Limit  int
}

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 100

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history file at path and migrates it.
func Open(path string) (*Store, error) {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_synchronous", "NORMAL")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open SQLite database and applies pending migrations.
func New(db *sql.DB) (*Store, error) {
	goose.SetBaseFS(migrations)
	goose.SetLogger(log.New(io.Discard, "", 0))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("goose up: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends e. A zero CreatedAt is set to the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO query_history
(query_id, user_name, dialect, sql_text, status, error_message, rows_returned, cached_measures, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.QueryID, e.User, e.Dialect, e.SQL, e.Status, e.Error, e.Rows, e.CachedMeasures, e.DurationMs, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, query_id, user_name, dialect, sql_text, status, error_message,
       rows_returned, cached_measures, duration_ms, created_at
FROM query_history
WHERE (? = '' OR user_name = ?)
  AND (? = '' OR status = ?)
  AND created_at >= ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, f.User, f.User, f.Status, f.Status, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.QueryID, &e.User, &e.Dialect, &e.SQL, &e.Status, &e.Error,
			&e.Rows, &e.CachedMeasures, &e.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_history WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

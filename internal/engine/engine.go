// Package engine opens the backing SQL engines, runs compiled queries against
// them and describes their tables.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Supported engines.
const (
	KindDuckDB = "duckdb"
	KindSQLite = "sqlite"
)

// Kinds lists the supported engines.
func Kinds() []string { return []string{KindDuckDB, KindSQLite} }

// Open connects to the engine kind. An empty dsn opens an in-memory database.
func Open(ctx context.Context, kind, dsn string) (*sql.DB, error) {
	switch strings.ToLower(kind) {
	case KindDuckDB:
		return OpenDuckDB(ctx, dsn)
	case KindSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown engine %q (want %s or %s)", kind, KindDuckDB, KindSQLite)
	}
}

// OpenDuckDB opens a DuckDB database file, or an in-memory one for dsn "".
func OpenDuckDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite database. In-memory databases are private to a
// connection, so the pool is pinned to one connection for them.
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

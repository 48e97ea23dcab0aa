// Package sqlite provides the embedded SQLite backend (modernc.org/sqlite, no cgo).
// It is used for single-node deployments, local development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Config holds database configuration.
type Config struct {
	// Path is a file path or ":memory:".
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// DefaultConfig returns sensible defaults for a file database.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}

// DB wraps *sql.DB.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database with foreign keys enforced on every connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	memory := cfg.Path == ":memory:" || strings.Contains(cfg.Path, "mode=memory")

	pragmas := []string{"foreign_keys(ON)"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	if !memory {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	// Writers take the write lock at BEGIN and queue on busy_timeout.
	dsn := cfg.Path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=") + "&_txlock=immediate"

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	maxConns := cfg.MaxOpenConns
	if memory || maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		db.Close()
		return nil, fmt.Errorf("sqlite foreign keys are not enforced (err=%v)", err)
	}

	return &DB{DB: db, path: cfg.Path}, nil
}

// Path returns the configured database path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the durable record of batches, queue items, errors and the
// photo columns the import pipeline maintains.
//
// Mutating methods are expected to be called from a single writer (see the
// writer package); read methods go through a bounded connection pool and may
// be called concurrently.
type SQLiteStore struct {
	db    *sql.DB
	reads *ConnPool
}

// StoreConfig holds configuration for creating a SQLiteStore.
type StoreConfig struct {
	// Path is the file path for the SQLite database.
	Path string

	// InitSchema controls whether to run schema initialization.
	// The schema is idempotent, so this is safe on an existing database.
	InitSchema bool

	// ReadPoolSize caps the number of reader connections. Defaults to 4.
	ReadPoolSize int
}

func dsnFor(path string) string {
	// Apply PRAGMA's per-connection via DSN so the pool always has them.
	// modernc.org/sqlite supports repeated _pragma=... parameters.
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(10000)",
		path,
	)
}

// NewSQLiteStoreWithConfig opens the database file named by cfg.Path.
// The file MUST already exist; use InitDatabase to create it.
func NewSQLiteStoreWithConfig(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("database file does not exist: %s (run init-db command to create it)", cfg.Path)
	}
	if cfg.ReadPoolSize <= 0 {
		cfg.ReadPoolSize = 4
	}

	db, err := sql.Open("sqlite", dsnFor(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer plus the reader arena
	db.SetMaxOpenConns(cfg.ReadPoolSize + 2)

	if cfg.InitSchema {
		if _, err := db.Exec(schemaSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, reads: NewConnPool(db, cfg.ReadPoolSize)}, nil
}

// InitDatabase creates a new SQLite database file and initializes the schema.
// Returns an error if the file already exists.
func InitDatabase(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("database file already exists: %s", path)
	}

	db, err := sql.Open("sqlite", dsnFor(path))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}

	return nil
}

// CompactDatabase compacts a SQLite database file by checkpointing the WAL and running VACUUM.
func CompactDatabase(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("database file does not exist: %s", path)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint WAL: %w", err)
	}
	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}

	return nil
}

// Close closes the reader pool and the database.
func (s *SQLiteStore) Close() error {
	if s.reads != nil {
		_ = s.reads.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Pool returns the reader connection pool so callers can schedule recycling.
func (s *SQLiteStore) Pool() *ConnPool {
	return s.reads
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// read runs fn on the reader connection leased to the worker bound to ctx.
func (s *SQLiteStore) read(ctx context.Context, fn func(q querier) error) error {
	worker := workerFrom(ctx)
	conn, err := s.reads.Acquire(ctx, worker)
	if err != nil {
		return fmt.Errorf("acquire reader: %w", err)
	}
	defer s.reads.Release(worker)
	return fn(conn)
}

// Helper functions

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, ns.String); err == nil {
		return &t
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	// Name is the database/sql driver name.
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// BlobType is the column type used for values.
	BlobType string
}

var (
	// SQLiteDialect targets github.com/mattn/go-sqlite3.
	SQLiteDialect = Dialect{
		Name:        "sqlite3",
		Placeholder: func(int) string { return "?" },
		BlobType:    "BLOB",
	}

	// PostgresDialect targets github.com/jackc/pgx/v5/stdlib.
	PostgresDialect = Dialect{
		Name:        "pgx",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		BlobType:    "BYTEA",
	}
)

// SQLStore keeps key/value records in a single SQL table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path, table string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: sqlite path is empty")
	}
	db, err := sql.Open(SQLiteDialect.Name, path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return openSQL(ctx, db, SQLiteDialect, table)
}

// OpenPostgres connects to PostgreSQL using dsn.
func OpenPostgres(ctx context.Context, dsn, table string) (*SQLStore, error) {
	db, err := sql.Open(PostgresDialect.Name, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return openSQL(ctx, db, PostgresDialect, table)
}

func openSQL(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLStore, error) {
	s, err := NewSQLStore(db, dialect, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database handle. The schema is not created; call
// EnsureSchema for that.
func NewSQLStore(db *sql.DB, dialect Dialect, table string) (*SQLStore, error) {
	if table == "" {
		table = "skill_state"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	return &SQLStore{db: db, dialect: dialect, table: table}, nil
}

// EnsureSchema creates the key/value table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value %s NOT NULL, updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)",
		s.table, s.dialect.BlobType,
	)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: create table %s: %w", s.table, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = %s", s.table, s.dialect.Placeholder(1))

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: select %s: %w", key, err)
	}
	return value, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (key, value, updated_at) VALUES (%s, %s, CURRENT_TIMESTAMP) "+
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP",
		s.table, s.dialect.Placeholder(1), s.dialect.Placeholder(2),
	)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("store: upsert %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a store. Path is required.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. ":memory:" gives an in-memory store (tests only; pool
	// size must then be 1 since each in-memory connection is
	// independent).
	Path string

	// PoolSize is the connection pool size. Zero or negative means
	// max(NumCPU, 4). Writes serialize in SQLite regardless; extra
	// connections only help concurrent readers.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is a keyed blob store over a pooled SQLite database. Safe for
// concurrent use; each operation borrows its own connection.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
`

// Open creates the store, applying standard pragmas and the schema to
// every connection. The caller must Close when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}

	logger.Info("record store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

// prepareConnection applies pragmas and the schema to a new pool
// connection. WAL keeps readers unblocked by the single writer;
// synchronous=FULL makes every committed write durable before the call
// returns, which the cursor-ahead-of-records invariant depends on.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	s.logger.Info("record store closed", "path", s.path)
	return nil
}

// Get returns the value for key, with found=false when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	return getLocked(conn, key)
}

func getLocked(conn *sqlite.Conn, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := sqlitex.Execute(conn, `SELECT value FROM records WHERE key = ?;`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, found, nil
}

// Set writes value under key, replacing any existing value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO records (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value;`, &sqlitex.ExecOptions{
		Args: []any{key, value},
	})
	if err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

// Update performs an atomic read-modify-write of key inside one
// immediate transaction. fn receives the current value (nil, false
// when absent) and returns the replacement; returning an error aborts
// the transaction and leaves the record untouched. Returning a nil
// value deletes the key.
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte, found bool) ([]byte, error)) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: begin update %q: %w", key, err)
	}
	defer endFn(&err)

	current, found, err := getLocked(conn, key)
	if err != nil {
		return err
	}

	next, err := fn(current, found)
	if err != nil {
		return fmt.Errorf("storage: update %q: %w", key, err)
	}

	if next == nil {
		err = sqlitex.Execute(conn, `DELETE FROM records WHERE key = ?;`, &sqlitex.ExecOptions{
			Args: []any{key},
		})
	} else {
		err = sqlitex.Execute(conn, `INSERT INTO records (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value;`, &sqlitex.ExecOptions{
			Args: []any{key, next},
		})
	}
	if err != nil {
		return fmt.Errorf("storage: write %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM records WHERE key = ?;`, &sqlitex.ExecOptions{
		Args: []any{key},
	})
	if err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// List returns every key/value whose key starts with prefix, in key
// order. fn is called once per row; returning an error stops the scan.
func (s *Store) List(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT key, value FROM records
		WHERE key >= ? AND key < ? ORDER BY key;`, &sqlitex.ExecOptions{
		Args: []any{prefix, prefixUpperBound(prefix)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, value)
			return fn(stmt.ColumnText(0), value)
		},
	})
	if err != nil {
		return fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	return nil
}

// prefixUpperBound returns the smallest string greater than every
// string with the given prefix, for half-open range scans. Keys are
// ASCII (registry key namespaces plus node/task IDs), so incrementing
// the last byte is sufficient.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "\xff"
	}
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}

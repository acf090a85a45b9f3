// Package sqlite implements store.Backend on SQLite via mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"prefdb/internal/store"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY NOT NULL,
	value BLOB NOT NULL
) WITHOUT ROWID`

// Store is a SQLite-backed store.Backend.
// The database is opened with a single connection, so transactions are
// serialized: Begin blocks until the connection is free.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//   - BEGIN IMMEDIATE for every transaction, so a read-then-write from
//     another process waits on busy_timeout instead of failing with
//     SQLITE_BUSY when it upgrades its lock
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Opener returns a store.Opener for path.
func Opener(path string) store.Opener {
	return func(context.Context) (store.Backend, error) {
		return Open(path)
	}
}

func (s *Store) Begin(mode store.Mode) (store.Tx, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	stx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: mode == store.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	return &tx{tx: stx, mode: mode}, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type tx struct {
	tx   *sql.Tx
	mode store.Mode

	mu   sync.Mutex
	done bool
}

func (t *tx) check(write bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxClosed
	}
	if write && t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	return nil
}

func (t *tx) Get(key string) ([]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	var val []byte
	err := t.tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %q: %w", key, err)
	}
	return val, nil
}

func (t *tx) ForEach(fn func(key string, value []byte) error) error {
	if err := t.check(false); err != nil {
		return err
	}
	rows, err := t.tx.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return fmt.Errorf("select all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			val []byte
		)
		if err := rows.Scan(&key, &val); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *tx) Put(key string, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	_, err := t.tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

func (t *tx) Clear() error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`DELETE FROM settings`); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (t *tx) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *tx) Commit() error {
	if !t.finish() {
		return store.ErrTxClosed
	}
	return t.tx.Commit()
}

func (t *tx) Rollback() error {
	if !t.finish() {
		return store.ErrTxClosed
	}
	return t.tx.Rollback()
}

// Package store defines the backing store adapter the settings database
// drives. Implementations live in subpackages (bolt, sqlite, memory); the
// settings layer only sees Backend and Tx, so engines can be swapped without
// touching it.
package store

import (
	"context"
	"errors"
)

var (
	ErrReadOnly = errors.New("store: write in read-only transaction")
	ErrTxClosed = errors.New("store: transaction closed")
	ErrClosed   = errors.New("store: backend closed")
)

// Mode selects the kind of transaction Begin opens.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Backend is an opened persistence engine holding one flat keyspace of
// encoded records.
type Backend interface {
	Begin(mode Mode) (Tx, error)
	Close() error
}

// Tx is a single transaction. Writes become visible to other transactions
// only after Commit. A Tx must not be used after Commit or Rollback.
type Tx interface {
	// Get returns the value stored under key, or nil, nil if absent.
	// The returned slice is owned by the caller.
	Get(key string) ([]byte, error)
	ForEach(fn func(key string, value []byte) error) error
	Put(key string, value []byte) error
	// Clear deletes every key.
	Clear() error
	Commit() error
	Rollback() error
}

// Opener opens a Backend. It may block (file locks, migrations); callers
// run it off their hot path.
type Opener func(ctx context.Context) (Backend, error)

// Package memory is an in-process store.Backend for tests and ephemeral
// databases. Read-write transactions stage changes on a copy and swap it in
// on Commit; one writer at a time, readers run concurrently.
package memory

import (
	"context"
	"maps"
	"sync"

	"prefdb/internal/store"
)

type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Opener returns a store.Opener that always hands out s. Closing the
// backend and reopening through the opener keeps the contents.
func (s *Store) Opener() store.Opener {
	return func(context.Context) (store.Backend, error) {
		s.mu.Lock()
		s.closed = false
		s.mu.Unlock()
		return s, nil
	}
}

func (s *Store) Begin(mode store.Mode) (store.Tx, error) {
	if mode == store.ReadWrite {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, store.ErrClosed
		}
		return &tx{s: s, mode: mode, view: maps.Clone(s.data)}, nil
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrClosed
	}
	return &tx{s: s, mode: mode, view: s.data}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type tx struct {
	s    *Store
	mode store.Mode
	view map[string][]byte
	done bool
}

func (t *tx) Get(key string) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxClosed
	}
	v, ok := t.view[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *tx) ForEach(fn func(key string, value []byte) error) error {
	if t.done {
		return store.ErrTxClosed
	}
	for k, v := range t.view {
		out := make([]byte, len(v))
		copy(out, v)
		if err := fn(k, out); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Put(key string, value []byte) error {
	if t.done {
		return store.ErrTxClosed
	}
	if t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	v := make([]byte, len(value))
	copy(v, value)
	t.view[key] = v
	return nil
}

func (t *tx) Clear() error {
	if t.done {
		return store.ErrTxClosed
	}
	if t.mode != store.ReadWrite {
		return store.ErrReadOnly
	}
	clear(t.view)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return store.ErrTxClosed
	}
	t.done = true
	if t.mode == store.ReadWrite {
		t.s.data = t.view
		t.s.mu.Unlock()
		return nil
	}
	t.s.mu.RUnlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return store.ErrTxClosed
	}
	t.done = true
	if t.mode == store.ReadWrite {
		t.s.mu.Unlock()
		return nil
	}
	t.s.mu.RUnlock()
	return nil
}

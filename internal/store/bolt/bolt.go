package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"prefdb/internal/store"
)

var settingsBucket = []byte("settings")

// Store implements store.Backend using bbolt (embedded B+ tree).
// bbolt allows one read-write transaction at a time; Begin(ReadWrite)
// blocks until the previous writer commits or rolls back.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
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
	btx, err := s.db.Begin(mode == store.ReadWrite)
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return nil, store.ErrClosed
		}
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	return &tx{tx: btx}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	tx *bolt.Tx
}

func (t *tx) bucket() (*bolt.Bucket, error) {
	if t.tx.DB() == nil {
		return nil, store.ErrTxClosed
	}
	b := t.tx.Bucket(settingsBucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %q missing", settingsBucket)
	}
	return b, nil
}

func (t *tx) Get(key string) ([]byte, error) {
	b, err := t.bucket()
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	val := make([]byte, len(v))
	copy(val, v)
	return val, nil
}

func (t *tx) ForEach(fn func(key string, value []byte) error) error {
	b, err := t.bucket()
	if err != nil {
		return err
	}
	return b.ForEach(func(k, v []byte) error {
		val := make([]byte, len(v))
		copy(val, v)
		return fn(string(k), val)
	})
}

func (t *tx) Put(key string, value []byte) error {
	if !t.tx.Writable() {
		return store.ErrReadOnly
	}
	b, err := t.bucket()
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (t *tx) Clear() error {
	if !t.tx.Writable() {
		return store.ErrReadOnly
	}
	if t.tx.DB() == nil {
		return store.ErrTxClosed
	}
	if err := t.tx.DeleteBucket(settingsBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	if _, err := t.tx.CreateBucket(settingsBucket); err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (t *tx) Commit() error {
	if !t.tx.Writable() {
		return t.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, bolt.ErrTxClosed) {
			return store.ErrTxClosed
		}
		return err
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, bolt.ErrTxClosed) {
			return store.ErrTxClosed
		}
		return err
	}
	return nil
}

package memory

import (
	"context"
	"errors"
	"testing"

	"prefdb/internal/store"
)

func TestCommitMakesWritesVisible(t *testing.T) {
	s := New()

	tx, err := s.Begin(store.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Put("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	rtx, err := s.Begin(store.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer rtx.Rollback()
	v, err := rtx.Get("k")
	if err != nil || string(v) != "v" {
		t.Fatalf("Get: got %q, %v", v, err)
	}
}

func TestRollbackDiscardsClear(t *testing.T) {
	s := New()
	tx, _ := s.Begin(store.ReadWrite)
	_ = tx.Put("a", []byte("1"))
	_ = tx.Commit()

	tx, _ = s.Begin(store.ReadWrite)
	if err := tx.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("rolled back clear should keep data, Len() = %d", s.Len())
	}
}

func TestStagedWritesInvisibleToReaders(t *testing.T) {
	s := New()
	tx, _ := s.Begin(store.ReadWrite)
	_ = tx.Put("a", []byte("1"))
	v, _ := tx.Get("a")
	if string(v) != "1" {
		t.Fatalf("tx should see its own write, got %q", v)
	}
	_ = tx.Rollback()

	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestTxErrors(t *testing.T) {
	s := New()
	rtx, _ := s.Begin(store.ReadOnly)
	if err := rtx.Put("k", nil); !errors.Is(err, store.ErrReadOnly) {
		t.Fatalf("Put: got %v", err)
	}
	_ = rtx.Commit()
	if _, err := rtx.Get("k"); !errors.Is(err, store.ErrTxClosed) {
		t.Fatalf("Get after commit: got %v", err)
	}
	if err := rtx.Rollback(); !errors.Is(err, store.ErrTxClosed) {
		t.Fatalf("Rollback after commit: got %v", err)
	}
}

func TestCloseAndReopen(t *testing.T) {
	s := New()
	tx, _ := s.Begin(store.ReadWrite)
	_ = tx.Put("k", []byte("v"))
	_ = tx.Commit()
	_ = s.Close()

	if _, err := s.Begin(store.ReadOnly); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Begin after close: got %v", err)
	}

	b, err := s.Opener()(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rtx, err := b.Begin(store.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer rtx.Rollback()
	if v, _ := rtx.Get("k"); string(v) != "v" {
		t.Fatalf("contents lost across reopen: %q", v)
	}
}

package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"prefdb/internal/store"
	"prefdb/internal/store/memory"
)

var errInjected = errors.New("injected failure")

func newTestDB(t *testing.T, opener store.Opener) *DB {
	t.Helper()
	db := Open(opener, Options{Workers: 2, ChangeBuffer: 16, Origin: "test"})
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newMemDB(t *testing.T) (*DB, *memory.Store) {
	t.Helper()
	mem := memory.New()
	return newTestDB(t, mem.Opener()), mem
}

func newManager(t *testing.T, db *DB, auth Authority, contextID string) *Manager {
	t.Helper()
	m := NewManager(db, auth)
	if err := m.Init(contextID); err != nil {
		t.Fatalf("Init(%q): %v", contextID, err)
	}
	t.Cleanup(m.Teardown)
	return m
}

func mustLock(t *testing.T, m *Manager) *Lock {
	t.Helper()
	l, err := m.CreateLock()
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	return l
}

func await[T any](t *testing.T, h *Handle[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("handle did not resolve")
	}
	return v, err
}

func mustAwait[T any](t *testing.T, h *Handle[T], err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	v, err := await(t, h)
	if err != nil {
		t.Fatalf("operation failed: %v", err)
	}
	return v
}

func set(t *testing.T, l *Lock, entries map[string]Value) {
	t.Helper()
	h, err := l.Set(entries)
	mustAwait(t, h, err)
}

func get(t *testing.T, l *Lock, name string) map[string]Value {
	t.Helper()
	h, err := l.Get(name)
	return mustAwait(t, h, err)
}

// storedRecord reads a record straight from the memory backend.
func storedRecord(t *testing.T, mem *memory.Store, key string) (Record, bool) {
	t.Helper()
	tx, err := mem.Begin(store.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	data, err := tx.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		return Record{}, false
	}
	raw, err := unmarshalRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := raw.decode(nil)
	if err != nil {
		t.Fatal(err)
	}
	return rec, true
}

// gatedOpener holds the backend back until open is called, so several
// operations can be queued before the first drain step.
func gatedOpener(b store.Backend) (store.Opener, func()) {
	gate := make(chan struct{})
	var once sync.Once
	return func(ctx context.Context) (store.Backend, error) {
			select {
			case <-gate:
				return b, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, func() {
			once.Do(func() { close(gate) })
		}
}

type faultyBackend struct {
	store.Backend

	mu         sync.Mutex
	failPut    map[string]bool
	failCommit bool
	failBegin  bool
}

func (f *faultyBackend) Begin(mode store.Mode) (store.Tx, error) {
	f.mu.Lock()
	failBegin := f.failBegin
	f.mu.Unlock()
	if failBegin {
		return nil, errInjected
	}
	tx, err := f.Backend.Begin(mode)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, f: f}, nil
}

type faultyTx struct {
	store.Tx
	f *faultyBackend
}

func (t *faultyTx) Put(key string, value []byte) error {
	t.f.mu.Lock()
	fail := t.f.failPut[key]
	t.f.mu.Unlock()
	if fail {
		return errInjected
	}
	return t.Tx.Put(key, value)
}

func (t *faultyTx) Commit() error {
	t.f.mu.Lock()
	fail := t.f.failCommit
	t.f.mu.Unlock()
	if fail {
		_ = t.Tx.Rollback()
		return errInjected
	}
	return t.Tx.Commit()
}

type staticAuthority struct {
	read, write bool
}

func (a staticAuthority) CanRead(string) bool  { return a.read }
func (a staticAuthority) CanWrite(string) bool { return a.write }

// observed records observer callbacks in call order.
type observed struct {
	mu    sync.Mutex
	calls []string
	ch    chan struct{}
}

func newObserved() *observed {
	return &observed{ch: make(chan struct{}, 64)}
}

func (o *observed) fn(tag string) ObserverFunc {
	return func(name string, v Value) {
		o.mu.Lock()
		o.calls = append(o.calls, tag+":"+name+"="+v.String())
		o.mu.Unlock()
		o.ch <- struct{}{}
	}
}

func (o *observed) waitFor(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-o.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("observer calls: got %d, want %d", i, n)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

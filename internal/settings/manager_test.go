package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"prefdb/internal/logging"
	"prefdb/internal/store/memory"
)

func TestInitPermissions(t *testing.T) {
	tests := []struct {
		name    string
		auth    staticAuthority
		initErr error
		lockErr error
		setErr  error
	}{
		{"read write", staticAuthority{read: true, write: true}, nil, nil, nil},
		{"read only", staticAuthority{read: true}, nil, nil, ErrPermissionDenied},
		{"write only", staticAuthority{write: true}, nil, ErrPermissionDenied, nil},
		{"none", staticAuthority{}, ErrNoPermissions, ErrPermissionDenied, ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mem := newMemDB(t)
			m := NewManager(db, tt.auth)
			t.Cleanup(m.Teardown)

			if err := m.Init("ctx"); !errors.Is(err, tt.initErr) {
				t.Fatalf("Init = %v, want %v", err, tt.initErr)
			}
			if _, err := m.CreateLock(); !errors.Is(err, tt.lockErr) {
				t.Fatalf("CreateLock = %v, want %v", err, tt.lockErr)
			}
			if tt.lockErr != nil {
				return
			}
			l := mustLock(t, m)
			h, err := l.Set(map[string]Value{"k": Int(1)})
			if !errors.Is(err, tt.setErr) {
				t.Fatalf("Set = %v, want %v", err, tt.setErr)
			}
			if err != nil {
				if h != nil {
					t.Fatal("denied Set returned a handle")
				}
				if mem.Len() != 0 {
					t.Fatal("denied Set reached the store")
				}
				return
			}
			mustAwait(t, h, nil)
		})
	}
}

func TestInitTwice(t *testing.T) {
	db, _ := newMemDB(t)
	m := newManager(t, db, AllowAll{}, "one")
	if err := m.Init("two"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Init = %v", err)
	}
	if m.ContextID() != "one" {
		t.Fatalf("ContextID = %q", m.ContextID())
	}
}

func TestOperationsBeforeInit(t *testing.T) {
	db, _ := newMemDB(t)
	m := NewManager(db, AllowAll{})
	if _, err := m.CreateLock(); !errors.Is(err, ErrNotBound) {
		t.Fatalf("CreateLock = %v", err)
	}
	if _, err := m.AddObserver("k", func(string, Value) {}); !errors.Is(err, ErrNotBound) {
		t.Fatalf("AddObserver = %v", err)
	}
}

func TestForwarderValidation(t *testing.T) {
	db, _ := newMemDB(t)
	m := newManager(t, db, AllowAll{}, "app")
	l := mustLock(t, m)

	if _, err := m.Get("nope", "k"); !errors.Is(err, ErrUnknownLock) {
		t.Fatalf("Get on unknown lock = %v", err)
	}
	if _, err := l.Get(""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Get(\"\") = %v", err)
	}
	for _, name := range []string{"", Wildcard} {
		if _, err := l.Set(map[string]Value{name: Int(1)}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Set(%q) = %v", name, err)
		}
	}
}

func TestObserversFanOutInOrder(t *testing.T) {
	db, _ := newMemDB(t)
	m := newManager(t, db, AllowAll{}, "app")
	obs := newObserved()
	if _, err := m.AddObserver("n", obs.fn("c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddObserver("n", obs.fn("c2")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddObserver("other", obs.fn("c3")); err != nil {
		t.Fatal(err)
	}

	l := mustLock(t, m)
	set(t, l, map[string]Value{"n": String("x")})

	calls := obs.waitFor(t, 2)
	want := []string{`c1:n="x"`, `c2:n="x"`}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	select {
	case <-obs.ch:
		t.Fatal("unexpected extra observer call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserversSeeEveryKeyOfLargeBatch(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	db, _ := newMemDB(t)
	m := newManager(t, db, AllowAll{}, "app")

	const n = 200 // far beyond the test DB's ChangeBuffer
	var calls atomic.Int64
	entries := make(map[string]Value, n)
	for i := range n {
		name := fmt.Sprintf("k%03d", i)
		entries[name] = Int(int64(i))
		if _, err := m.AddObserver(name, func(string, Value) { calls.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	set(t, mustLock(t, m), entries)

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != n {
		t.Fatalf("observer calls: %d of %d", got, n)
	}
	if capture.Count(slog.LevelWarn) != 0 {
		t.Fatalf("unexpected warnings: %d", capture.Count(slog.LevelWarn))
	}
}

func TestObserverSeesCommitsFromOtherContexts(t *testing.T) {
	db, _ := newMemDB(t)
	watcher := newManager(t, db, AllowAll{}, "watcher")
	writer := newManager(t, db, AllowAll{}, "writer")

	obs := newObserved()
	if _, err := watcher.AddObserver("theme", obs.fn("w")); err != nil {
		t.Fatal(err)
	}
	blob := NewBlob("image/png", []byte{1})
	set(t, mustLock(t, writer), map[string]Value{"theme": BlobValue(blob)})

	if calls := obs.waitFor(t, 1); calls[0] != "w:theme=blob(image/png, 1 bytes)" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestRemoveObserver(t *testing.T) {
	capture := logging.CaptureForTest()
	t.Cleanup(capture.Restore)

	db, _ := newMemDB(t)
	m := newManager(t, db, AllowAll{}, "app")
	obs := newObserved()
	first, err := m.AddObserver("n", obs.fn("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddObserver("n", obs.fn("c2")); err != nil {
		t.Fatal(err)
	}

	m.RemoveObserver("n", first)
	if got := m.ObserverCount("n"); got != 1 {
		t.Fatalf("ObserverCount = %d, want 1", got)
	}
	m.RemoveObserver("n", first)
	if !capture.Has(slog.LevelWarn, "removing unregistered observer") {
		t.Fatal("removing an unknown observer should warn")
	}

	set(t, mustLock(t, m), map[string]Value{"n": Int(5)})
	if calls := obs.waitFor(t, 1); calls[0] != "c2:n=5" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestObserverRemovedDuringDispatch(t *testing.T) {
	db, _ := newMemDB(t)
	m := newManager(t, db, AllowAll{}, "app")
	obs := newObserved()

	var self *Observer
	self, err := m.AddObserver("n", func(name string, v Value) {
		m.RemoveObserver(name, self)
		obs.fn("once")(name, v)
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddObserver("n", obs.fn("stay")); err != nil {
		t.Fatal(err)
	}

	l := mustLock(t, m)
	set(t, l, map[string]Value{"n": Int(1)})
	obs.waitFor(t, 2)
	set(t, l, map[string]Value{"n": Int(2)})
	calls := obs.waitFor(t, 1)
	want := []string{"once:n=1", "stay:n=1", "stay:n=2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestTeardown(t *testing.T) {
	db, _ := newMemDB(t)
	m := NewManager(db, AllowAll{})
	if err := m.Init("app"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddObserver("n", func(string, Value) {}); err != nil {
		t.Fatal(err)
	}
	l := mustLock(t, m)
	h, err := l.Set(map[string]Value{"n": Int(1)})
	if err != nil {
		t.Fatal(err)
	}

	m.Teardown()
	if _, err := await(t, h); err != nil {
		t.Fatalf("queued Set after Teardown = %v", err)
	}
	if m.ObserverCount("n") != 0 {
		t.Fatal("observers survived Teardown")
	}
	if _, err := m.CreateLock(); !errors.Is(err, ErrNotBound) {
		t.Fatalf("CreateLock after Teardown = %v", err)
	}
	if _, err := l.Get("n"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("Get after Teardown = %v", err)
	}
	m.Teardown()

	if open, _ := db.readiness(); open {
		t.Fatal("last Teardown should release the backend")
	}
}

func TestTeardownAfterDBCloseDoesNotBlock(t *testing.T) {
	opener, _ := gatedOpener(memory.New())
	db := Open(opener, Options{})
	m := NewManager(db, AllowAll{})
	if err := m.Init("app"); err != nil {
		t.Fatal(err)
	}
	l, err := m.CreateLock()
	if err != nil {
		t.Fatal(err)
	}
	h, err := l.Set(map[string]Value{"k": Int(1)})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		m.Teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Teardown blocked on a closed DB")
	}
	select {
	case <-h.Done():
		t.Fatal("queued Set should stay unresolved after DB.Close")
	default:
	}
}

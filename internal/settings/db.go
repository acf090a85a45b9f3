package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"prefdb/internal/changes"
	"prefdb/internal/store"
)

// Options tune a DB. Zero values pick defaults.
type Options struct {
	Workers      int    // concurrent drain steps (default 1)
	ChangeBuffer int    // per-subscription change queue (default changes.DefaultBuffer)
	Origin       string // stamped on locally published changes (default "local")
}

// DB owns what every execution context shares: the backend, the lock
// scheduler, the change hub and the table of live binary values.
//
// The backend is opened on the first Acquire and closed when the last
// reference is released. Locks queued while it is closed wait.
type DB struct {
	opener store.Opener
	sched  *Scheduler
	hub    *changes.Hub
	ids    identityTable

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex // held for reading by every drain step
	backend store.Backend
	refs    int
	opening bool
	openErr error
	readyCh chan struct{}
	closed  bool
}

// Open starts a DB around opener. The backend itself is opened lazily.
func Open(opener store.Opener, opts Options) *DB {
	if opts.Origin == "" {
		opts.Origin = "local"
	}
	ctx, cancel := context.WithCancel(context.Background())
	db := &DB{
		opener:  opener,
		hub:     changes.NewHub(opts.Origin, opts.ChangeBuffer),
		ids:     identityTable{m: make(map[string]Value)},
		cancel:  cancel,
		done:    make(chan struct{}),
		readyCh: make(chan struct{}),
	}
	db.sched = NewScheduler(opts.Workers, db.readiness, db.drain)

	go db.hub.Run()
	go func() {
		defer close(db.done)
		db.sched.Run(ctx)
	}()
	return db
}

// Hub returns the change transport.
func (db *DB) Hub() *changes.Hub {
	return db.hub
}

// Scheduler returns the lock scheduler.
func (db *DB) Scheduler() *Scheduler {
	return db.sched
}

// Acquire takes a reference on the backend, opening it in the background
// if needed.
func (db *DB) Acquire() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return
	}
	db.refs++
	if db.backend == nil && !db.opening {
		db.opening = true
		if db.openErr != nil {
			db.openErr = nil
			db.readyCh = make(chan struct{})
		}
		go db.open()
	}
}

// Release drops a reference. The last release closes the backend after
// in-flight drain steps finish.
func (db *DB) Release() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.refs == 0 {
		return
	}
	db.refs--
	if db.refs == 0 {
		db.closeBackend()
	}
}

func (db *DB) open() {
	b, err := db.opener(context.Background())

	db.mu.Lock()
	db.opening = false
	switch {
	case err != nil:
		db.openErr = fmt.Errorf("opening backend: %w", err)
		logger.Error("backend open failed", "err", err)
		close(db.readyCh)
	case db.refs == 0 || db.closed:
		logger.Debug("backend released while opening")
		if cerr := b.Close(); cerr != nil {
			logger.Warn("closing unused backend", "err", cerr)
		}
	default:
		db.backend = b
		logger.Debug("backend open")
		close(db.readyCh)
	}
	db.mu.Unlock()

	db.sched.Kick()
}

// closeBackend requires db.mu held for writing.
func (db *DB) closeBackend() {
	if db.backend != nil {
		if err := db.backend.Close(); err != nil {
			logger.Warn("closing backend", "err", err)
		}
		db.backend = nil
		db.readyCh = make(chan struct{})
	}
}

// Ready blocks until the backend is open, its open failed, or ctx ends.
func (db *DB) Ready(ctx context.Context) error {
	for {
		db.mu.RLock()
		ok, err, ch := db.backend != nil, db.openErr, db.readyCh
		db.mu.RUnlock()
		if ok {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readiness reports whether drain steps can run. After a failed open it
// returns the failure, which the scheduler hands to every queued operation
// until the next Acquire retries.
func (db *DB) readiness() (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.openErr != nil && !db.opening {
		return false, backingStoreError("open", "", db.openErr)
	}
	return db.backend != nil, nil
}

// drain runs one drain step for a claimed lock. If the backend went away
// since the scheduler checked, the lock's queue is left for later.
func (db *DB) drain(l *Lock) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.backend == nil {
		return
	}
	l.drainStep(db.backend, l.take())
}

// SeedDefaults writes defaults as first-write default values for keys that
// have no record yet and returns how many were written. Existing records,
// including their defaults, are never touched.
func (db *DB) SeedDefaults(ctx context.Context, defaults map[string]Value) (int, error) {
	for key := range defaults {
		if key == "" || key == Wildcard {
			return 0, fmt.Errorf("%w: %q", ErrInvalidName, key)
		}
	}
	db.Acquire()
	defer db.Release()

	l := newLock(db, nil)
	op := &operation{kind: opSeed, payload: Serialize(defaults), count: newHandle[int]()}
	db.sched.Submit(l)
	if err := l.enqueue(op); err != nil {
		return 0, err
	}
	l.Close()
	return op.count.Wait(ctx)
}

// Close stops the scheduler and the hub and closes the backend regardless
// of outstanding references. Queued operations that never ran stay
// unresolved.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.cancel()
	<-db.done
	db.hub.Stop()

	db.mu.Lock()
	defer db.mu.Unlock()
	var err error
	if db.backend != nil {
		err = db.backend.Close()
		db.backend = nil
	}
	db.refs = 0
	if err != nil && !errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("closing backend: %w", err)
	}
	return nil
}

// identityTable maps placeholder ids of committed binary values to the
// objects the caller wrote, so reads in this process return them by
// reference.
type identityTable struct {
	mu sync.RWMutex
	m  map[string]Value
}

func (t *identityTable) lookup(id string) (Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.m[id]
	return v, ok
}

func (t *identityTable) add(entries map[string]Value) {
	if len(entries) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, v := range entries {
		t.m[id] = v
	}
}

func (t *identityTable) retire(ids []string) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.m, id)
	}
}

func (t *identityTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

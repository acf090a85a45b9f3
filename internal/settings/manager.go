package settings

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"prefdb/internal/changes"
)

// Authority decides what an execution context may do. It is consulted
// once, at Init.
type Authority interface {
	CanRead(contextID string) bool
	CanWrite(contextID string) bool
}

// AllowAll grants every context read and write access.
type AllowAll struct{}

func (AllowAll) CanRead(string) bool  { return true }
func (AllowAll) CanWrite(string) bool { return true }

// ObserverFunc receives the committed user value of a changed setting.
type ObserverFunc func(name string, value Value)

// Observer is a registration handle; RemoveObserver matches it by
// identity.
type Observer struct {
	fn ObserverFunc
}

// Manager is the per-context entry point: it gates operations by the
// context's permissions, tracks the context's locks and owns its observer
// registry.
type Manager struct {
	db   *DB
	auth Authority
	log  *slog.Logger

	mu        sync.Mutex
	contextID string
	bound     bool
	tornDown  bool
	acquired  bool
	canRead   bool
	canWrite  bool
	locks     map[string]*Lock
	observers map[string][]*Observer
	sub       *changes.Subscription
}

func NewManager(db *DB, auth Authority) *Manager {
	if auth == nil {
		auth = AllowAll{}
	}
	return &Manager{
		db:        db,
		auth:      auth,
		log:       logger,
		locks:     make(map[string]*Lock),
		observers: make(map[string][]*Observer),
	}
}

// Init binds the manager to one execution context and resolves its
// permissions. A context with neither permission gets ErrNoPermissions;
// the manager stays bound and denies every operation.
func (m *Manager) Init(contextID string) error {
	m.mu.Lock()
	if m.bound {
		m.mu.Unlock()
		return ErrAlreadyBound
	}
	m.bound = true
	m.contextID = contextID
	m.canRead = m.auth.CanRead(contextID)
	m.canWrite = m.auth.CanWrite(contextID)
	m.log = logger.With("context", contextID)
	granted := m.canRead || m.canWrite
	m.acquired = granted
	m.mu.Unlock()

	if !granted {
		m.log.Error("context has no settings permission")
		return fmt.Errorf("%w: %q", ErrNoPermissions, contextID)
	}
	m.db.Acquire()
	m.log.Debug("manager bound", "read", m.canRead, "write", m.canWrite)
	return nil
}

// ContextID returns the bound execution context.
func (m *Manager) ContextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextID
}

func (m *Manager) check(write bool) error {
	if !m.bound || m.tornDown {
		return ErrNotBound
	}
	if write && !m.canWrite {
		return ErrPermissionDenied
	}
	if !write && !m.canRead {
		return ErrPermissionDenied
	}
	return nil
}

// CreateLock returns a new lock. The backend need not be open yet.
func (m *Manager) CreateLock() (*Lock, error) {
	m.mu.Lock()
	if err := m.check(false); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	l := newLock(m.db, m)
	m.locks[l.id] = l
	m.mu.Unlock()

	m.db.sched.Submit(l)
	return l, nil
}

func (m *Manager) lookup(lockID string, write bool) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(write); err != nil {
		return nil, err
	}
	l, ok := m.locks[lockID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLock, lockID)
	}
	return l, nil
}

// Get queues a read of name (or Wildcard) on the given lock.
func (m *Manager) Get(lockID, name string) (*Handle[map[string]Value], error) {
	l, err := m.lookup(lockID, false)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	op := &operation{kind: opGet, name: name, values: newHandle[map[string]Value]()}
	if err := l.enqueue(op); err != nil {
		return nil, err
	}
	return op.values, nil
}

// Set queues a write of entries on the given lock. The entries are copied
// before Set returns.
func (m *Manager) Set(lockID string, entries map[string]Value) (*Handle[struct{}], error) {
	l, err := m.lookup(lockID, true)
	if err != nil {
		return nil, err
	}
	for key := range entries {
		if key == "" || key == Wildcard {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, key)
		}
	}
	op := &operation{kind: opSet, payload: Serialize(entries), done: newHandle[struct{}]()}
	if err := l.enqueue(op); err != nil {
		return nil, err
	}
	return op.done, nil
}

// Clear queues deletion of every setting on the given lock.
func (m *Manager) Clear(lockID string) (*Handle[int], error) {
	l, err := m.lookup(lockID, true)
	if err != nil {
		return nil, err
	}
	op := &operation{kind: opClear, count: newHandle[int]()}
	if err := l.enqueue(op); err != nil {
		return nil, err
	}
	return op.count, nil
}

func (m *Manager) forget(lockID string) {
	m.mu.Lock()
	delete(m.locks, lockID)
	m.mu.Unlock()
}

// AddObserver registers fn for changes to name. Callbacks for one name run
// in registration order on the manager's dispatch goroutine.
func (m *Manager) AddObserver(name string, fn ObserverFunc) (*Observer, error) {
	if name == "" || fn == nil {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(false); err != nil {
		return nil, err
	}
	if m.sub == nil {
		sub := m.db.hub.Join()
		if sub == nil {
			return nil, ErrNotBound
		}
		m.sub = sub
		go m.dispatch(sub)
	}
	obs := &Observer{fn: fn}
	m.observers[name] = append(m.observers[name], obs)
	return obs, nil
}

// RemoveObserver unregisters obs. Unknown observers are logged and
// ignored.
func (m *Manager) RemoveObserver(name string, obs *Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.observers[name]
	i := slices.Index(list, obs)
	if obs == nil || i < 0 {
		m.log.Warn("removing unregistered observer", "name", name)
		return
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(m.observers, name)
		return
	}
	m.observers[name] = list
}

// ObserverCount returns the number of observers registered for name.
func (m *Manager) ObserverCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers[name])
}

func (m *Manager) dispatch(sub *changes.Subscription) {
	for c := range sub.Events {
		m.mu.Lock()
		list := m.observers[c.Key]
		m.mu.Unlock()

		v, ok := c.Value.(Value)
		if !ok {
			v = FromNative(c.Value)
		}
		for _, obs := range list {
			obs.fn(c.Key, v)
		}
	}
}

// Teardown leaves the change hub, drops every observer, closes the
// context's locks, waits for their queued operations to settle and
// releases the backend reference. It does not wait once the DB is closed.
// Calling it again is a no-op.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	sub := m.sub
	m.sub = nil
	clear(m.observers)
	locks := make([]*Lock, 0, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, l)
	}
	acquired := m.acquired
	m.acquired = false
	m.mu.Unlock()

	m.db.hub.Leave(sub)
	for _, l := range locks {
		// a closed DB never runs what is still queued
		select {
		case <-l.Close().Done():
		case <-m.db.done:
		}
	}
	if acquired {
		m.db.Release()
	}
	m.log.Debug("manager torn down", "locks", len(locks))
}

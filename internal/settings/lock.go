package settings

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"prefdb/internal/logging"
	"prefdb/internal/store"
)

var logger = logging.For("settings")

// Wildcard names every setting in a Get.
const Wildcard = "*"

type opKind int

const (
	opGet opKind = iota
	opSet
	opClear
	opSeed
)

type operation struct {
	kind    opKind
	name    string
	payload Payload

	values *Handle[map[string]Value] // opGet
	done   *Handle[struct{}]         // opSet
	count  *Handle[int]              // opClear, opSeed
}

func (op *operation) writes() bool {
	return op.kind != opGet
}

type pendingChange struct {
	key   string
	value Value
}

// outcome collects what one operation did inside a drain step. Nothing in
// it becomes visible (handles, identity table, change events) until the
// step's transaction has committed.
type outcome struct {
	op       *operation
	values   map[string]Value
	count    int
	err      error
	changes  []pendingChange
	register map[string]Value
	retired  []string
}

func (o *outcome) resolve() {
	switch o.op.kind {
	case opGet:
		o.op.values.resolve(o.values, o.err)
	case opSet:
		o.op.done.resolve(struct{}{}, o.err)
	default:
		o.op.count.resolve(o.count, o.err)
	}
}

// Lock is a queue of operations executed in FIFO order. Each drain step
// runs everything queued at that moment inside one backend transaction.
// A Set batch is not atomic: if a later key fails, earlier keys of the
// same batch stay written and their change events are still published;
// only the batch's handle reports the failure.
type Lock struct {
	id  string
	db  *DB
	mgr *Manager // nil for internal locks
	log *slog.Logger

	mu        sync.Mutex
	queue     []*operation
	tx        store.Tx // only during a drain step
	busy      bool
	open      bool
	scheduled bool
	pending   int
	firstErr  error
	closed    *Handle[struct{}]
}

func newLock(db *DB, mgr *Manager) *Lock {
	id := uuid.NewString()
	return &Lock{
		id:        id,
		db:        db,
		mgr:       mgr,
		log:       logger.With("lock", id),
		open:      true,
		scheduled: true,
	}
}

// ID returns the lock id used by the Manager forwarders.
func (l *Lock) ID() string {
	return l.id
}

// Get queues a read of one setting, or of all of them with Wildcard.
func (l *Lock) Get(name string) (*Handle[map[string]Value], error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	return l.mgr.Get(l.id, name)
}

// Set queues a write of the user values in entries.
func (l *Lock) Set(entries map[string]Value) (*Handle[struct{}], error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	return l.mgr.Set(l.id, entries)
}

// Clear queues deletion of every setting.
func (l *Lock) Clear() (*Handle[int], error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	return l.mgr.Clear(l.id)
}

// checkOpen reports ErrLockClosed after Close, including once the manager
// has forgotten the lock.
func (l *Lock) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return ErrLockClosed
	}
	return nil
}

// Close finalizes the lock: further operations fail with ErrLockClosed.
// The returned handle resolves once every queued operation has settled,
// with the first operation error, if any.
func (l *Lock) Close() *Handle[struct{}] {
	l.mu.Lock()
	if l.closed != nil {
		h := l.closed
		l.mu.Unlock()
		return h
	}
	l.open = false
	l.closed = newHandle[struct{}]()
	h, idle, err := l.closed, l.pending == 0, l.firstErr
	l.mu.Unlock()

	if idle {
		l.retire(h, err)
	}
	return h
}

func (l *Lock) retire(h *Handle[struct{}], err error) {
	h.resolve(struct{}{}, err)
	if l.mgr != nil {
		l.mgr.forget(l.id)
	}
}

func (l *Lock) enqueue(op *operation) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return ErrLockClosed
	}
	l.queue = append(l.queue, op)
	l.pending++
	submit := !l.scheduled
	l.scheduled = true
	l.mu.Unlock()

	if submit {
		l.db.sched.Submit(l)
	} else {
		l.db.sched.Kick()
	}
	return nil
}

type claim int

const (
	claimBusy claim = iota
	claimIdle
	claimWork
)

// claim is called by the scheduler. An idle lock with an empty queue is
// unscheduled; the next enqueue submits it again.
func (l *Lock) claim() claim {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.busy:
		return claimBusy
	case len(l.queue) == 0:
		l.scheduled = false
		return claimIdle
	default:
		l.busy = true
		return claimWork
	}
}

// tryBusy marks a lock with queued work busy without touching its
// scheduling state.
func (l *Lock) tryBusy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy || len(l.queue) == 0 {
		return false
	}
	l.busy = true
	return true
}

func (l *Lock) release() {
	l.mu.Lock()
	l.busy = false
	l.mu.Unlock()
}

func (l *Lock) take() []*operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := l.queue
	l.queue = nil
	return ops
}

func (l *Lock) beginTx(b store.Backend, mode store.Mode) (store.Tx, error) {
	tx, err := b.Begin(mode)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.tx = tx
	l.mu.Unlock()
	return tx, nil
}

func (l *Lock) endTx(mode store.Mode) error {
	l.mu.Lock()
	tx := l.tx
	l.tx = nil
	l.mu.Unlock()

	if mode == store.ReadWrite {
		return tx.Commit()
	}
	if err := tx.Rollback(); err != nil {
		l.log.Debug("read-only rollback", "err", err)
	}
	return nil
}

// drainStep executes ops against b in one transaction.
func (l *Lock) drainStep(b store.Backend, ops []*operation) {
	if len(ops) == 0 {
		return
	}
	outs := make([]*outcome, len(ops))
	mode := store.ReadOnly
	for i, op := range ops {
		outs[i] = &outcome{op: op}
		if op.writes() {
			mode = store.ReadWrite
		}
	}

	tx, err := l.beginTx(b, mode)
	if err != nil {
		berr := backingStoreError("begin", "", err)
		for _, o := range outs {
			o.err = berr
		}
		l.log.Error("begin transaction", "mode", mode, "err", err)
		l.finish(outs)
		return
	}

	// placeholder ids written earlier in this step, not yet committed
	overlay := make(map[string]Value)
	resolve := func(id string) (Value, bool) {
		if v, ok := overlay[id]; ok {
			return v, true
		}
		return l.db.ids.lookup(id)
	}

	for _, o := range outs {
		switch o.op.kind {
		case opGet:
			l.execGet(tx, o, resolve)
		case opSet:
			l.execSet(tx, o, overlay)
		case opClear:
			l.execClear(tx, o, overlay)
		case opSeed:
			l.execSeed(tx, o, overlay)
		}
	}

	if err := l.endTx(mode); err != nil {
		berr := backingStoreError("commit", "", err)
		l.log.Error("commit", "ops", len(ops), "err", err)
		for _, o := range outs {
			if o.err == nil {
				o.err = berr
			}
			o.changes, o.register, o.retired = nil, nil, nil
		}
	}

	l.log.Debug("drained", "ops", len(ops), "mode", mode)
	l.finish(outs)
}

// finish applies committed side effects and fires handles in queue order.
func (l *Lock) finish(outs []*outcome) {
	var firstErr error
	for _, o := range outs {
		l.db.ids.retire(o.retired)
		l.db.ids.add(o.register)
		for _, c := range o.changes {
			l.db.hub.Publish(c.key, c.value)
		}
		o.resolve()
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
	}

	l.mu.Lock()
	l.pending -= len(outs)
	if l.firstErr == nil {
		l.firstErr = firstErr
	}
	var h *Handle[struct{}]
	if l.closed != nil && l.pending == 0 {
		h = l.closed
	}
	err := l.firstErr
	l.mu.Unlock()

	if h != nil {
		l.retire(h, err)
	}
}

func (l *Lock) execGet(tx store.Tx, o *outcome, resolve resolver) {
	name := o.op.name
	values := make(map[string]Value)

	var err error
	if name == Wildcard {
		err = tx.ForEach(func(key string, data []byte) error {
			raw, err := unmarshalRecord(data)
			if err != nil {
				l.log.Warn("skipping corrupt record", "key", key, "err", err)
				return nil
			}
			rec, err := raw.decode(resolve)
			if err != nil {
				l.log.Warn("skipping undecodable record", "key", key, "err", err)
				return nil
			}
			values[rec.Key] = rec.Effective()
			return nil
		})
		if err != nil {
			o.err = backingStoreError("get", name, err)
			return
		}
	} else {
		data, err := tx.Get(name)
		if err != nil {
			o.err = backingStoreError("get", name, err)
			return
		}
		if data != nil {
			raw, err := unmarshalRecord(data)
			if err != nil {
				o.err = backingStoreError("decode", name, err)
				return
			}
			rec, err := raw.decode(resolve)
			if err != nil {
				o.err = backingStoreError("decode", name, err)
				return
			}
			values[name] = rec.Effective()
		}
	}

	if len(values) == 0 {
		l.log.Warn("no settings found", "name", name)
	}
	o.values = values
}

func (l *Lock) execSet(tx store.Tx, o *outcome, overlay map[string]Value) {
	p := o.op.payload
	o.register = make(map[string]Value)

	for _, key := range p.Keys() {
		user := p.Entries[key]

		existing, err := tx.Get(key)
		if err != nil {
			o.err = backingStoreError("get", key, err)
			return
		}
		var (
			def    *structpb.Value
			oldIDs []string
		)
		if existing != nil {
			raw, err := unmarshalRecord(existing)
			if err != nil {
				l.log.Warn("replacing corrupt record", "key", key, "err", err)
			} else {
				def = raw.def
				oldIDs = opaqueIDs(raw.user)
			}
		}

		data, err := encodeRecord(key, def, user, p.Side)
		if err != nil {
			o.err = backingStoreError("encode", key, err)
			return
		}
		if err := tx.Put(key, data); err != nil {
			o.err = backingStoreError("put", key, err)
			return
		}

		for _, id := range oldIDs {
			delete(overlay, id)
		}
		o.retired = append(o.retired, oldIDs...)
		for _, id := range placeholderIDs(user) {
			overlay[id] = p.Side[id]
			o.register[id] = p.Side[id]
		}
		o.changes = append(o.changes, pendingChange{key: key, value: p.Restore(user)})
	}
}

func (l *Lock) execClear(tx store.Tx, o *outcome, overlay map[string]Value) {
	var ids []string
	err := tx.ForEach(func(_ string, data []byte) error {
		if raw, err := unmarshalRecord(data); err == nil {
			ids = append(ids, opaqueIDs(raw.def)...)
			ids = append(ids, opaqueIDs(raw.user)...)
		}
		return nil
	})
	if err != nil {
		o.err = backingStoreError("clear", "", err)
		return
	}
	if err := tx.Clear(); err != nil {
		o.err = backingStoreError("clear", "", err)
		return
	}
	clear(overlay)
	o.retired = ids
	o.count = 0
}

// execSeed writes first-write defaults for keys that have no record.
func (l *Lock) execSeed(tx store.Tx, o *outcome, overlay map[string]Value) {
	p := o.op.payload
	o.register = make(map[string]Value)

	for _, key := range p.Keys() {
		existing, err := tx.Get(key)
		if err != nil {
			o.err = backingStoreError("get", key, err)
			return
		}
		if existing != nil {
			continue
		}
		def, err := encodeValue(p.Entries[key], p.Side)
		if err != nil {
			o.err = backingStoreError("encode", key, err)
			return
		}
		data, err := encodeRecord(key, def, Null(), nil)
		if err != nil {
			o.err = backingStoreError("encode", key, err)
			return
		}
		if err := tx.Put(key, data); err != nil {
			o.err = backingStoreError("put", key, err)
			return
		}
		for _, id := range placeholderIDs(p.Entries[key]) {
			overlay[id] = p.Side[id]
			o.register[id] = p.Side[id]
		}
		o.count++
	}
}

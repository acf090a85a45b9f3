package settings

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"prefdb/internal/changes"
)

// Poller notices writes committed by other processes sharing the same
// backend. Each Poll reads every setting and delivers the differences to
// the change hub as remote changes, so observers fire for them like for
// local commits. Removed settings are delivered as null.
type Poller struct {
	db   *DB
	lock *Lock
	sub  *changes.Subscription

	last map[string]Value // nil until the first Poll
}

// NewPoller creates a poller reading through a lock of its own.
func (m *Manager) NewPoller() (*Poller, error) {
	l, err := m.CreateLock()
	if err != nil {
		return nil, err
	}
	sub := m.db.hub.Join()
	if sub == nil {
		return nil, ErrNotBound
	}
	return &Poller{db: m.db, lock: l, sub: sub}, nil
}

// Poll reads the store once. The first call only records a baseline.
func (p *Poller) Poll(ctx context.Context) error {
	p.absorbLocal()
	h, err := p.lock.Get(Wildcard)
	if err != nil {
		return err
	}
	current, err := h.Wait(ctx)
	if err != nil {
		return err
	}

	if p.last == nil {
		p.last = current
		return nil
	}
	keys := slices.Sorted(maps.Keys(current))
	for key := range p.last {
		if _, ok := current[key]; !ok {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		old, had := p.last[key]
		now, has := current[key]
		if had == has && sameContent(old, now) {
			continue
		}
		if !has {
			now = Null()
		}
		p.db.hub.DeliverRemote(changes.Change{
			Key:    key,
			Value:  now,
			Seq:    p.db.hub.Clock().Current(),
			Origin: "store",
		})
	}
	p.last = current
	return nil
}

// absorbLocal folds changes committed by this process into the baseline
// so they are not delivered a second time. It returns once the
// subscription holds nothing more, including changes still queued behind
// Events.
func (p *Poller) absorbLocal() {
	for {
		var c changes.Change
		var ok bool
		select {
		case c, ok = <-p.sub.Events:
		default:
			if p.sub.Backlog() == 0 {
				return
			}
			c, ok = <-p.sub.Events
		}
		if !ok {
			return
		}
		if c.Remote || p.last == nil {
			continue
		}
		if v, ok := c.Value.(Value); ok {
			p.last[c.Key] = v
		}
	}
}

// Run polls every interval until ctx ends, then closes the poller.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	defer p.Close()
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("polling settings: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close leaves the hub and closes the poller's lock.
func (p *Poller) Close() {
	p.db.hub.Leave(p.sub)
	p.lock.Close()
}

// sameContent is Equal with binary values compared by content, for values
// decoded separately from the store.
func sameContent(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindList:
		return slices.EqualFunc(a.list, b.list, sameContent)
	case KindMap:
		return maps.EqualFunc(a.m, b.m, sameContent)
	case KindBlob:
		x, y := a.Blob(), b.Blob()
		return x == y || (x.Type == y.Type && bytes.Equal(x.Data, y.Data))
	case KindFile:
		x, y := a.File(), b.File()
		return x == y || (x.Name == y.Name && x.Type == y.Type &&
			x.Modified.Equal(y.Modified) && bytes.Equal(x.Data, y.Data))
	case KindTimestamp:
		return a.Timestamp().Equal(b.Timestamp().Time)
	default:
		return a.Equal(b)
	}
}

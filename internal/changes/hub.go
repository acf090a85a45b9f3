// Package changes is the change-notification transport: every committed
// setting write is published here and fanned out to subscribers. Events
// from other processes enter through DeliverRemote; the bridge that carries
// them is not part of this package.
package changes

import (
	"sync"
	"sync/atomic"

	"prefdb/internal/logging"
)

var logger = logging.For("changes")

// DefaultBuffer is the per-subscription channel capacity used when NewHub
// is given a non-positive size. Changes beyond it wait in the
// subscription's queue; none are dropped.
const DefaultBuffer = 64

// Change is one committed setting write.
type Change struct {
	Key    string
	Value  any // the committed user value, owned by the publisher
	Seq    uint64
	Origin string
	Remote bool
}

// Subscription receives every change, in publish order, until it leaves
// the hub or the hub stops, at which point Events is closed. A slow reader
// never loses changes: they queue up behind Events.
type Subscription struct {
	ID     uint64
	Events <-chan Change

	send    chan Change
	mu      sync.Mutex
	queue   []Change
	wake    chan struct{}
	quit    chan struct{}
	backlog atomic.Int64
}

func newSubscription(buffer int) *Subscription {
	send := make(chan Change, buffer)
	s := &Subscription{
		ID:     subscriptionCounter.Add(1),
		Events: send,
		send:   send,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Backlog returns the number of changes handed to the subscription that
// have not reached Events yet.
func (s *Subscription) Backlog() int {
	return int(s.backlog.Load())
}

func (s *Subscription) push(c Change) {
	s.backlog.Add(1)
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued changes to Events. It is the only sender on Events.
func (s *Subscription) pump() {
	defer close(s.send)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case s.send <- c:
				s.backlog.Add(-1)
			case <-s.quit:
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// Hub fans changes out to subscriptions. A single goroutine (Run) owns
// the subscription map; every operation goes through a channel.
type Hub struct {
	origin string
	buffer int
	clock  LamportClock

	join    chan chan *Subscription
	leave   chan *Subscription
	publish chan Change
	stop    chan struct{}
	done    chan struct{}

	stopOnce   sync.Once
	remoteSend chan<- Change // set by a cross-process bridge; nil otherwise
}

var subscriptionCounter atomic.Uint64

// NewHub creates a hub that stamps local changes with origin.
// Call Run() in a goroutine to start it.
func NewHub(origin string, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		origin:  origin,
		buffer:  buffer,
		join:    make(chan chan *Subscription),
		leave:   make(chan *Subscription),
		publish: make(chan Change, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run is the hub's main loop. It blocks until Stop() is called.
func (h *Hub) Run() {
	defer close(h.done)
	subs := make(map[uint64]*Subscription)

	for {
		select {
		case result := <-h.join:
			s := newSubscription(h.buffer)
			subs[s.ID] = s
			result <- s

		case s := <-h.leave:
			if _, ok := subs[s.ID]; ok {
				delete(subs, s.ID)
				close(s.quit)
			}

		case c := <-h.publish:
			h.sendAll(subs, c)

			// Forward local changes to the bridge
			if !c.Remote && h.remoteSend != nil {
				select {
				case h.remoteSend <- c:
				default:
					logger.Warn("remote bridge full, dropping change", "key", c.Key, "seq", c.Seq)
				}
			}

		case <-h.stop:
			for _, s := range subs {
				close(s.quit)
			}
			return
		}
	}
}

// Stop shuts down the hub and closes every subscription. Safe to call
// multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Join registers a new subscription. It returns nil once the hub stopped.
func (h *Hub) Join() *Subscription {
	result := make(chan *Subscription, 1)
	select {
	case h.join <- result:
		return <-result
	case <-h.done:
		return nil
	}
}

// Leave removes a subscription. Changes still queued for it are discarded
// and its Events channel is closed.
func (h *Hub) Leave(s *Subscription) {
	if s == nil {
		return
	}
	select {
	case h.leave <- s:
	case <-h.done:
	}
}

// Publish stamps a locally committed change and fans it out.
// It returns the assigned sequence number.
func (h *Hub) Publish(key string, value any) uint64 {
	c := Change{Key: key, Value: value, Seq: h.clock.Tick(), Origin: h.origin}
	h.enqueue(c)
	return c.Seq
}

// DeliverRemote injects a change committed by another process. It is
// delivered to local subscriptions but never forwarded to the bridge.
func (h *Hub) DeliverRemote(c Change) {
	h.clock.Witness(c.Seq)
	c.Remote = true
	h.enqueue(c)
}

// SetRemoteSend sets the channel for outgoing changes to a cross-process
// bridge. Must be called before Run().
func (h *Hub) SetRemoteSend(ch chan<- Change) {
	h.remoteSend = ch
}

// Clock returns the hub's sequence clock.
func (h *Hub) Clock() *LamportClock {
	return &h.clock
}

func (h *Hub) enqueue(c Change) {
	select {
	case h.publish <- c:
	case <-h.done:
		logger.Debug("hub stopped, dropping change", "key", c.Key)
	}
}

func (h *Hub) sendAll(subs map[uint64]*Subscription, c Change) {
	for _, s := range subs {
		s.push(c)
	}
}

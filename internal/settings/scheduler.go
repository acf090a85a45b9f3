package settings

import (
	"context"
	"slices"
	"sync"

	"prefdb/internal/logging"
)

var schedLogger = logging.For("scheduler")

// Scheduler is the FIFO queue of locks. Tick walks the queue once: busy
// locks go back to the tail, idle empty locks are dropped, and locks with
// work are drained on a worker. Every submit and every finished drain
// kicks the Run loop, so the queue makes progress without a poller.
type Scheduler struct {
	ready func() (bool, error)
	drain func(*Lock)
	slots chan struct{}
	kick  chan struct{}

	tickMu sync.Mutex

	mu    sync.Mutex
	queue []*Lock

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler that drains at most workers locks at a
// time. ready reports whether the backend is open, or why it cannot be;
// drain runs one drain step for a claimed lock.
func NewScheduler(workers int, ready func() (bool, error), drain func(*Lock)) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		ready: ready,
		drain: drain,
		slots: make(chan struct{}, workers),
		kick:  make(chan struct{}, 1),
	}
}

// Submit appends l to the queue.
func (s *Scheduler) Submit(l *Lock) {
	s.push(l)
	s.Kick()
}

// Kick wakes the Run loop. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Len returns the number of queued locks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run ticks on every kick until ctx ends, then waits for in-flight drains.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.Tick()
		}
	}
}

// Tick makes one pass over the queued locks. It is safe to call from any
// goroutine; concurrent calls are serialized.
func (s *Scheduler) Tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ok, err := s.ready()
	if err != nil {
		s.failQueued(err)
		return
	}
	if !ok {
		return
	}

	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()

	for range n {
		l := s.pop()
		if l == nil {
			return
		}
		switch l.claim() {
		case claimBusy:
			s.push(l)
		case claimIdle:
			schedLogger.Debug("lock idle, unscheduled", "lock", l.id)
		case claimWork:
			select {
			case s.slots <- struct{}{}:
			default:
				// all workers busy; a finishing drain kicks again
				l.release()
				s.push(l)
				return
			}
			s.push(l)
			s.wg.Add(1)
			go s.run(l)
		}
	}
}

// failQueued resolves every operation waiting in the queue with err. Tick
// uses it while the backend cannot be opened.
func (s *Scheduler) failQueued(err error) {
	s.mu.Lock()
	locks := slices.Clone(s.queue)
	s.mu.Unlock()

	for _, l := range locks {
		if !l.tryBusy() {
			continue
		}
		ops := l.take()
		outs := make([]*outcome, len(ops))
		for i, op := range ops {
			outs[i] = &outcome{op: op, err: err}
		}
		l.finish(outs)
		l.release()
	}
}

func (s *Scheduler) run(l *Lock) {
	defer s.wg.Done()
	defer func() {
		<-s.slots
		l.release()
		s.Kick()
	}()
	s.drain(l)
}

func (s *Scheduler) push(l *Lock) {
	s.mu.Lock()
	s.queue = append(s.queue, l)
	s.mu.Unlock()
}

func (s *Scheduler) pop() *Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	l := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return l
}

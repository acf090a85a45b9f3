package settings

import (
	"context"
	"sync"
)

// Handle is the single-fire result of one queued operation.
type Handle[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newHandle[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

// resolve fires the handle; later calls are ignored and report false.
func (h *Handle[T]) resolve(v T, err error) bool {
	fired := false
	h.once.Do(func() {
		h.val, h.err = v, err
		close(h.done)
		fired = true
	})
	return fired
}

// Done is closed once the handle has resolved.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx ends. A ctx error only
// stops the wait; the operation itself still runs.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the result without blocking, or ErrPending.
func (h *Handle[T]) Poll() (T, error) {
	select {
	case <-h.done:
		return h.val, h.err
	default:
		var zero T
		return zero, ErrPending
	}
}

// Package queue provides an unbounded FIFO with a blocking, cancellable Pop.
//
// Producers never block, so a consumer stuck on a slow device cannot stall
// whoever feeds it. Memory grows with the backlog instead.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close and by Pop once a closed queue is drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Pop blocks until an item is available, ctx is done, or the queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil // release the backing array after a burst
			}
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { q.mu.Lock(); n := len(q.items); q.mu.Unlock(); return n }

// Close rejects further pushes; queued items can still be popped. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

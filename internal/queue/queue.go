// Package queue provides a bounded FIFO that evicts its oldest entry
// instead of blocking the producer when it is full.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Pop once the queue is closed and drained.
	ErrClosed = errors.New("queue: closed")
	// ErrTimeout is returned by PopTimeout when nothing arrived in time.
	ErrTimeout = errors.New("queue: timeout")
)

// DropOldest is a fixed-capacity ring buffer. Push never blocks: when the
// ring is full the oldest entry is discarded and counted. Safe for
// concurrent use by one or more producers and consumers.
type DropOldest[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	closed bool

	ready chan struct{}
	done  chan struct{}

	dropped atomic.Uint64
}

// New creates a queue holding at most capacity entries (minimum 1).
func New[T any](capacity int) *DropOldest[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropOldest[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v. It reports true when an older entry had to be evicted
// to make room. Pushing to a closed queue is a no-op.
func (q *DropOldest[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	evicted := false
	if q.size == len(q.items) {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
		evicted = true
		q.dropped.Add(1)
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	q.mu.Unlock()

	q.signal()
	return evicted
}

// Pop blocks until an entry is available, the queue is closed and empty,
// or ctx is done.
func (q *DropOldest[T]) Pop(ctx context.Context) (T, error) {
	return q.PopTimeout(ctx, 0)
}

// PopTimeout is Pop with an upper bound on the wait. A timeout <= 0 waits
// indefinitely.
func (q *DropOldest[T]) PopTimeout(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		if v, ok, closed := q.take(); ok {
			return v, nil
		} else if closed {
			return zero, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-expired:
			return zero, ErrTimeout
		}
	}
}

// TryPop returns the oldest entry without waiting.
func (q *DropOldest[T]) TryPop() (T, bool) {
	v, ok, _ := q.take()
	return v, ok
}

func (q *DropOldest[T]) take() (v T, ok bool, closed bool) {
	q.mu.Lock()
	if q.size == 0 {
		closed = q.closed
		q.mu.Unlock()
		return v, false, closed
	}
	var zero T
	v = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	more := q.size > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return v, true, false
}

func (q *DropOldest[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Close stops accepting entries. Consumers drain what is left and then
// receive ErrClosed. It is safe to call multiple times.
func (q *DropOldest[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued entries.
func (q *DropOldest[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *DropOldest[T]) Cap() int {
	return len(q.items)
}

// Dropped returns how many entries were evicted since creation.
func (q *DropOldest[T]) Dropped() uint64 {
	return q.dropped.Load()
}

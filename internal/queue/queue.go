// Package queue provides the work queue shared by the connection acceptor and
// the worker pool: an ordered, concurrency-safe FIFO that is unbounded by
// default and can optionally apply backpressure at a fixed capacity.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Overflow selects what Enqueue does when a bounded queue is full.
type Overflow string

const (
	// OverflowBlock waits for space (or for ctx to be done).
	OverflowBlock Overflow = "block"
	// OverflowReject fails fast with ErrQueueFull.
	OverflowReject Overflow = "reject"
)

// Options configure a Queue. A zero Capacity means unbounded.
type Options struct {
	Capacity int
	Overflow Overflow
}

// Queue is a FIFO of T. Each item is handed to exactly one Dequeue caller.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	head       int
	unfinished int
	closed     bool
	capacity   int
	overflow   Overflow

	// changed is closed and replaced on every state change, waking all waiters.
	changed chan struct{}
}

// New creates an empty queue.
func New[T any](opts Options) *Queue[T] {
	overflow := opts.Overflow
	if overflow == "" {
		overflow = OverflowBlock
	}
	capacity := opts.Capacity
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		overflow: overflow,
		changed:  make(chan struct{}),
	}
}

// broadcast must be called with mu held.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

// Enqueue appends item. On an unbounded queue it never blocks.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.capacity == 0 || q.lenLocked() < q.capacity {
			break
		}
		if q.overflow == OverflowReject {
			q.mu.Unlock()
			return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, q.capacity)
		}

		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	q.items = append(q.items, item)
	q.unfinished++
	q.broadcast()
	q.mu.Unlock()
	return nil
}

// Dequeue removes and returns the oldest item, blocking until one is available.
// Once the queue is closed and empty it returns ErrQueueClosed.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	for q.lenLocked() == 0 {
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		q.mu.Lock()
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compactLocked()
	q.broadcast()
	q.mu.Unlock()
	return item, nil
}

// compactLocked drops the consumed prefix once it dominates the backing slice.
func (q *Queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// MarkDone records that a dequeued item has been fully processed.
func (q *Queue[T]) MarkDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.broadcast()
	}
}

// Join blocks until every enqueued item has been marked done, or ctx is done.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	for q.unfinished > 0 {
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
	q.mu.Unlock()
	return nil
}

// Close rejects further Enqueue calls. Items already queued can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Len returns the number of items waiting to be dequeued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Unfinished returns the number of items enqueued but not yet marked done.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// IsClosed reports whether Close has been called.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Capacity returns the configured capacity (0 means unbounded).
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

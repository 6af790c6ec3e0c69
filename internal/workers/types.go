// Package workers provides the fixed-size worker pool that drains the work
// queue and dispatches each message to its registered handler.
package workers

import (
	"context"
	"errors"
	"time"

	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/store"
)

var (
	ErrAlreadyStarted = errors.New("worker pool is already started")
	ErrNotStarted     = errors.New("worker pool is not started")
)

// Source is the queue the pool drains. *queue.Queue[message.Envelope] satisfies it.
type Source interface {
	Dequeue(ctx context.Context) (message.Envelope, error)
	MarkDone()
	Len() int
}

// Resender re-delivers messages requeued after a delivery timeout.
// *notifier.Notifier satisfies it.
type Resender interface {
	Send(ctx context.Context, msg message.Message, addr string) error
}

// TxRunner opens the transactional scope a handler runs in. *store.Store satisfies it.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn store.TxFn) error
}

// PoolMetrics tracks execution metrics for the worker pool.
type PoolMetrics struct {
	MessagesDequeued uint64        `json:"messages_dequeued"`
	HandlersOK       uint64        `json:"handlers_ok"`
	HandlersFailed   uint64        `json:"handlers_failed"`
	UnknownEvents    uint64        `json:"unknown_events"`
	Resent           uint64        `json:"resent"`
	TotalDuration    time.Duration `json:"total_duration_ns"`
}

// Constants for worker pool configuration
const (
	DefaultPoolSize = 4
)

package workers

import (
	"context"
	"sync"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/metrics"
	"github.com/aatumaykin/eventengine/internal/registry"
)

// WorkerPool manages a pool of goroutine workers sharing one work queue.
type WorkerPool struct {
	queue    Source
	registry *registry.Registry
	resender Resender
	tx       TxRunner
	workers  int
	logger   *logger.Logger
	prom     *metrics.Metrics

	// ctx останавливает цикл Dequeue, execCtx - выполняющиеся handler'ы
	ctx        context.Context
	cancel     context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
	metrics *PoolMetrics
}

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithResender enables the resend path for requeued deliveries.
func WithResender(r Resender) Option {
	return func(p *WorkerPool) { p.resender = r }
}

// WithTxRunner runs every handler inside a transaction opened by r.
func WithTxRunner(r TxRunner) Option {
	return func(p *WorkerPool) { p.tx = r }
}

// WithMetrics records per-message metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *WorkerPool) { p.prom = m }
}

// NewPool creates a new worker pool with the specified configuration.
func NewPool(workers int, q Source, reg *registry.Registry, log *logger.Logger, opts ...Option) *WorkerPool {
	if workers <= 0 {
		workers = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(context.Background())

	p := &WorkerPool{
		queue:      q,
		registry:   reg,
		workers:    workers,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		execCtx:    execCtx,
		execCancel: execCancel,
		metrics:    &PoolMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. A pool can be started once.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.logger.Info("starting worker pool",
		logger.Field{Key: "workers", Value: p.workers},
		logger.Field{Key: "events", Value: p.registry.Events()})

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop makes every worker exit after its current message; anything still
// queued stays in the queue. If ctx expires first, running handlers see their
// context cancelled and ctx.Err() is returned.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.execCancel()
		err = ctx.Err()
	}
	p.execCancel()

	m := p.Metrics()
	p.logger.Info("worker pool stopped",
		logger.Field{Key: "dequeued", Value: m.MessagesDequeued},
		logger.Field{Key: "completed", Value: m.HandlersOK},
		logger.Field{Key: "failed", Value: m.HandlersFailed},
		logger.Field{Key: "unknown", Value: m.UnknownEvents},
		logger.Field{Key: "resent", Value: m.Resent},
		logger.Field{Key: "left_in_queue", Value: p.queue.Len()})
	return err
}

// WorkerCount returns the number of workers.
func (p *WorkerPool) WorkerCount() int {
	return p.workers
}

// IsStarted reports whether Start has been called.
func (p *WorkerPool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aatumaykin/eventengine/internal/heartbeat"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/server"
	"github.com/aatumaykin/eventengine/internal/version"
	"github.com/aatumaykin/eventengine/internal/workers"
)

var (
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrNotRunning     = errors.New("engine is not running")
)

const queueSampleInterval = time.Second

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down gracefully. It returns the first component
// error, or nil after a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info(version.FormatStartupMessage(),
		logger.Field{Key: "addr", Value: e.cfg.Engine.Address()},
		logger.Field{Key: "workers", Value: e.cfg.Engine.Workers},
		logger.Field{Key: "events", Value: e.registry.Events()})

	if err := e.pool.Start(); err != nil {
		return err
	}
	if e.heartbeat != nil {
		if err := e.heartbeat.Start(); err != nil {
			e.shutdown()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if e.listener != nil {
			err = e.server.Serve(gctx, e.listener)
		} else {
			err = e.server.ListenAndServe(gctx)
		}
		if errors.Is(err, server.ErrServerClosed) && gctx.Err() != nil {
			return nil
		}
		return err
	})

	if e.admin != nil {
		g.Go(func() error {
			if e.adminListener != nil {
				return e.admin.Serve(gctx, e.adminListener)
			}
			return e.admin.ListenAndServe(gctx)
		})
	}

	g.Go(func() error {
		e.sampleQueue(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		e.shutdown()
		return nil
	})

	return g.Wait()
}

// sampleQueue publishes the queue depth until ctx is done.
func (e *Engine) sampleQueue(ctx context.Context) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()

	for {
		e.metrics.SetQueueDepth(e.queue.Len())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// shutdown stops the components in order:
//  1. stop accepting and wait for in-flight connections
//  2. drain the queue and scheduled resends, bounded by engine.shutdown_timeout_seconds
//  3. close the queue and stop the workers after their current message
//  4. drop resends still scheduled
//  5. stop heartbeat, the admin server and close the store
func (e *Engine) shutdown() {
	timeout := e.cfg.Engine.ShutdownTimeout()
	e.logger.Info("shutting down", logger.Field{Key: "timeout", Value: timeout.String()})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Error("failed to stop acceptor in time", err)
	}

	if err := e.drain(ctx); err != nil {
		e.logger.Warn("shutdown timeout reached before queue drained",
			logger.Field{Key: "queued", Value: e.queue.Len()},
			logger.Field{Key: "unfinished", Value: e.queue.Unfinished()},
			logger.Field{Key: "scheduled_resends", Value: e.notifier.Pending()})
	}

	e.queue.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()
	if err := e.pool.Stop(stopCtx); err != nil && !errors.Is(err, workers.ErrNotStarted) {
		e.logger.Error("failed to stop worker pool in time", err)
	}

	e.notifier.Close()

	if left := e.queue.Len(); left > 0 {
		e.logger.Warn("queued messages dropped on shutdown", logger.Field{Key: "count", Value: left})
	}

	if e.heartbeat != nil {
		e.heartbeat.Stop()
	}

	if e.admin != nil {
		adminCtx, adminCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.admin.Shutdown(adminCtx); err != nil {
			e.logger.Error("failed to stop admin server", err)
		}
		adminCancel()
	}

	e.closeStore()
	e.metrics.SetQueueDepth(e.queue.Len())

	e.logger.Info("engine shutdown complete")
}

// drain waits until the queue is empty with nothing in flight and no resend
// is scheduled. A worker may schedule a resend while the queue drains and a
// resend lands back in the queue, so both are waited on until both are idle.
func (e *Engine) drain(ctx context.Context) error {
	for {
		if err := e.queue.Join(ctx); err != nil {
			return err
		}
		if err := e.notifier.WaitIdle(ctx); err != nil {
			return err
		}
		if e.queue.Unfinished() == 0 && e.notifier.Pending() == 0 {
			return nil
		}
	}
}

// Stats is the /stats payload.
type Stats struct {
	Version         string                 `json:"version"`
	QueueLength     int                    `json:"queue_length"`
	QueueUnfinished int                    `json:"queue_unfinished"`
	QueueCapacity   int                    `json:"queue_capacity"`
	Workers         int                    `json:"workers"`
	Pool            workers.PoolMetrics    `json:"pool"`
	PendingResends  int                    `json:"pending_resends"`
	Events          []string               `json:"events"`
	Peers           []heartbeat.PeerStatus `json:"peers,omitempty"`
	Store           string                 `json:"store"`
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats(_ context.Context) Stats {
	s := Stats{
		Version:         version.Version,
		QueueLength:     e.queue.Len(),
		QueueUnfinished: e.queue.Unfinished(),
		QueueCapacity:   e.queue.Capacity(),
		Workers:         e.pool.WorkerCount(),
		Pool:            e.pool.Metrics(),
		PendingResends:  e.notifier.Pending(),
		Events:          e.registry.Events(),
		Store:           "none",
	}
	if e.heartbeat != nil {
		s.Peers = e.heartbeat.Statuses()
	}
	if e.store != nil {
		s.Store = e.store.Driver()
	}
	return s
}

// Health reports an error once the engine can no longer take work.
func (e *Engine) Health(ctx context.Context) error {
	if e.queue.IsClosed() {
		return errors.New("work queue closed")
	}
	if !e.pool.IsStarted() {
		return ErrNotRunning
	}
	if e.store != nil {
		if err := e.store.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

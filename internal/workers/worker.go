package workers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/metrics"
	"github.com/aatumaykin/eventengine/internal/queue"
	"github.com/aatumaykin/eventengine/internal/registry"
)

// worker is the main worker goroutine that processes messages from the queue.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	p.logger.DebugCtx(p.ctx, "worker started",
		logger.Field{Key: "worker_id", Value: id})

	for {
		// Stop: выходим после текущего сообщения, очередь не трогаем
		if p.ctx.Err() != nil {
			p.logger.DebugCtx(p.execCtx, "worker stopping",
				logger.Field{Key: "worker_id", Value: id})
			return
		}

		env, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || p.ctx.Err() != nil {
				p.logger.DebugCtx(p.ctx, "worker stopping",
					logger.Field{Key: "worker_id", Value: id})
				return
			}
			p.logger.Error("failed to dequeue message", err,
				logger.Field{Key: "worker_id", Value: id})
			continue
		}

		p.update(func(m *PoolMetrics) { m.MessagesDequeued++ })
		p.prom.SetQueueDepth(p.queue.Len())
		p.processMessage(id, env)
		p.queue.MarkDone()
	}
}

// processMessage handles one envelope. Nothing escapes it: handler errors
// and panics are logged and the worker moves on.
func (p *WorkerPool) processMessage(workerID int, env message.Envelope) {
	startTime := time.Now()
	event := env.Message.Event
	ctx := logger.ContextWithFields(p.execCtx,
		logger.Field{Key: "worker_id", Value: workerID},
		logger.Field{Key: "id", Value: env.ID},
		logger.Field{Key: "event", Value: event})

	p.prom.WorkerBusy(1)
	defer p.prom.WorkerBusy(-1)

	defer func() {
		if r := recover(); r != nil {
			duration := time.Since(startTime)
			label := event
			if env.IsResend() {
				label = metrics.EventResend
			}
			p.update(func(m *PoolMetrics) {
				m.HandlersFailed++
				m.TotalDuration += duration
			})
			p.prom.RecordMessage(label, metrics.StatusFailed, duration)
			p.logger.ErrorCtx(ctx, "handler panic recovered",
				fmt.Errorf("panic: %v", r),
				logger.Field{Key: "payload", Value: message.RedactedJSON(env.Message)})
		}
	}()

	if env.IsResend() {
		p.resend(ctx, env)
		return
	}

	handler, ok := p.registry.Lookup(event)
	if !ok {
		p.update(func(m *PoolMetrics) { m.UnknownEvents++ })
		p.prom.RecordMessage(event, metrics.StatusUnknown, 0)
		p.logger.WarnCtx(ctx, "invalid event type")
		return
	}

	p.logger.DebugCtx(ctx, "processing message")

	err := p.invoke(ctx, handler, env.Message.Params)
	duration := time.Since(startTime)

	if err != nil {
		p.update(func(m *PoolMetrics) {
			m.HandlersFailed++
			m.TotalDuration += duration
		})
		p.prom.RecordMessage(event, metrics.StatusFailed, duration)
		p.logger.ErrorCtx(ctx, "handler failed", err,
			logger.Field{Key: "payload", Value: message.RedactedJSON(env.Message)})
		return
	}

	p.update(func(m *PoolMetrics) {
		m.HandlersOK++
		m.TotalDuration += duration
	})
	p.prom.RecordMessage(event, metrics.StatusSuccess, duration)
	p.logger.DebugCtx(ctx, "message processed",
		logger.Field{Key: "duration_ms", Value: duration.Milliseconds()})
}

// invoke runs the handler, inside a transaction when a TxRunner is configured.
func (p *WorkerPool) invoke(ctx context.Context, h registry.Handler, params map[string]any) error {
	if p.tx == nil {
		return h.Handle(ctx, params)
	}
	return p.tx.RunInTransaction(ctx, func(txCtx context.Context, _ *sql.Tx) error {
		return h.Handle(txCtx, params)
	})
}

// resend re-delivers a message the notifier requeued after a timeout. The
// notifier logs the outcome and requeues again if the budget allows.
func (p *WorkerPool) resend(ctx context.Context, env message.Envelope) {
	if p.resender == nil {
		p.logger.ErrorCtx(ctx, "no notifier configured, requeued message dropped", nil,
			logger.Field{Key: "peer", Value: env.Peer},
			logger.Field{Key: "payload", Value: message.RedactedJSON(env.Message)})
		return
	}

	p.update(func(m *PoolMetrics) { m.Resent++ })
	p.logger.DebugCtx(ctx, "resending message",
		logger.Field{Key: "peer", Value: env.Peer},
		logger.Field{Key: "error_count", Value: env.Message.ErrorCount})

	_ = p.resender.Send(ctx, env.Message, env.Peer)
}

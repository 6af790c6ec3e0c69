// Package engine wires the task dispatch engine together: the TCP acceptor,
// the work queue, the worker pool, the outbound notifier and the optional
// store, heartbeat and admin server. It owns their lifecycle and the graceful
// shutdown order.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aatumaykin/eventengine/internal/config"
	"github.com/aatumaykin/eventengine/internal/heartbeat"
	"github.com/aatumaykin/eventengine/internal/jobs"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/metrics"
	"github.com/aatumaykin/eventengine/internal/notifier"
	"github.com/aatumaykin/eventengine/internal/queue"
	"github.com/aatumaykin/eventengine/internal/registry"
	"github.com/aatumaykin/eventengine/internal/retry"
	"github.com/aatumaykin/eventengine/internal/server"
	"github.com/aatumaykin/eventengine/internal/store"
	"github.com/aatumaykin/eventengine/internal/workers"
)

// Engine represents the running service and all of its components.
type Engine struct {
	cfg    *config.Config
	logger *logger.Logger

	// Метрики
	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	// Core pipeline
	queue    *queue.Queue[message.Envelope]
	registry *registry.Registry
	pool     *workers.WorkerPool
	server   *server.Server
	notifier *notifier.Notifier

	// Optional components, nil when disabled
	store     *store.Store
	heartbeat *heartbeat.Checker
	admin     *metrics.AdminServer

	listener      net.Listener
	adminListener net.Listener

	mu      sync.Mutex
	started bool
}

type options struct {
	mailer        jobs.Mailer
	bot           jobs.BotSender
	handlers      []func(*registry.Builder) error
	listener      net.Listener
	adminListener net.Listener
}

// Option configures an Engine.
type Option func(*options)

// WithMailer replaces the SMTP mailer used by the email handlers.
func WithMailer(m jobs.Mailer) Option {
	return func(o *options) { o.mailer = m }
}

// WithTelegramBot replaces the bot client built from telegram.token.
// It also enables SEND_TELEGRAM_MESSAGE regardless of telegram.enabled.
func WithTelegramBot(b jobs.BotSender) Option {
	return func(o *options) { o.bot = b }
}

// WithHandlers registers additional handlers next to the built-in ones.
func WithHandlers(fn func(*registry.Builder) error) Option {
	return func(o *options) { o.handlers = append(o.handlers, fn) }
}

// WithListener serves the engine protocol on ln instead of binding engine.host:engine.port.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithAdminListener serves the admin HTTP API on ln instead of metrics.listen.
func WithAdminListener(ln net.Listener) Option {
	return func(o *options) { o.adminListener = ln }
}

// New builds every component from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = logger.Discard()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:           cfg,
		logger:        log,
		listener:      o.listener,
		adminListener: o.adminListener,
	}

	// 1. Metrics
	e.promRegistry = prometheus.NewRegistry()
	e.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.InitPrometheusMetrics(cfg.Metrics.Namespace, e.promRegistry)

	// 2. Work queue
	e.queue = queue.New[message.Envelope](queue.Options{
		Capacity: cfg.Queue.Capacity,
		Overflow: queue.Overflow(cfg.Queue.Overflow),
	})

	// 3. Store
	st, err := store.Open(ctx, store.Config{
		Driver:   cfg.Store.Driver,
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Engine.Workers + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		e.store = st
		log.Info("store opened", logger.Field{Key: "driver", Value: st.Driver()})
	}

	// 4. Notifier: timed-out deliveries go back to the local queue
	e.notifier = notifier.New(notifier.Config{
		DialTimeout:  cfg.Notifier.DialTimeout(),
		WriteTimeout: cfg.Notifier.WriteTimeout(),
		Breaker: notifier.BreakerConfig{
			Enabled:     cfg.Notifier.Breaker.Enabled,
			Threshold:   uint32(cfg.Notifier.Breaker.Threshold),
			OpenTimeout: cfg.Notifier.Breaker.OpenTimeout(),
		},
	}, log.With(logger.Field{Key: "component", Value: "notifier"}),
		notifier.WithRequeuer(e.queue),
		notifier.WithPolicy(retry.Policy{
			MaxErrorCount:  cfg.Retry.MaxErrors(),
			InitialBackoff: cfg.Retry.InitialBackoff(),
			MaxBackoff:     cfg.Retry.MaxBackoff(),
		}),
		notifier.WithMetrics(e.metrics),
	)

	// 5. Handler registry
	reg, err := e.buildRegistry(o)
	if err != nil {
		e.notifier.Close()
		e.closeStore()
		return nil, err
	}
	e.registry = reg

	// 6. Worker pool
	poolOpts := []workers.Option{
		workers.WithResender(e.notifier),
		workers.WithMetrics(e.metrics),
	}
	if e.store != nil {
		poolOpts = append(poolOpts, workers.WithTxRunner(e.store))
	}
	e.pool = workers.NewPool(cfg.Engine.Workers, e.queue, reg,
		log.With(logger.Field{Key: "component", Value: "workers"}), poolOpts...)

	// 7. Acceptor
	e.server = server.New(server.Config{
		Host:           cfg.Engine.Host,
		Port:           cfg.Engine.Port,
		ReadBufferSize: cfg.Engine.ReadBufferSize,
		ReadTimeout:    cfg.Engine.ReadTimeout(),
	}, e.queue, log.With(logger.Field{Key: "component", Value: "server"}), e.metrics)

	// 8. Heartbeat
	if cfg.Heartbeat.Enabled {
		e.heartbeat = heartbeat.NewChecker(heartbeat.Config{
			Schedule: cfg.Heartbeat.Schedule,
			Peers:    cfg.Heartbeat.Peers,
			Timeout:  cfg.Heartbeat.Timeout(),
		}, e.notifier, log.With(logger.Field{Key: "component", Value: "heartbeat"}), e.metrics)
	}

	// 9. Admin HTTP
	if cfg.Metrics.Enabled || o.adminListener != nil {
		e.admin = metrics.NewAdminServer(cfg.Metrics.Listen, e.promRegistry,
			log.With(logger.Field{Key: "component", Value: "admin"}),
			metrics.WithStats(func(ctx context.Context) any { return e.Stats(ctx) }),
			metrics.WithHealthCheck(e.Health),
		)
	}

	return e, nil
}

func (e *Engine) buildRegistry(o options) (*registry.Registry, error) {
	mailer := o.mailer
	if mailer == nil {
		mailer = jobs.NewSMTPMailer(jobs.SMTPConfig{
			Host:    e.cfg.SMTP.Host,
			Port:    e.cfg.SMTP.Port,
			Timeout: e.cfg.SMTP.Timeout(),
		})
	}

	bot := o.bot
	if bot == nil && e.cfg.Telegram.Enabled {
		b, err := jobs.NewTelegramBot(e.cfg.Telegram.Token)
		if err != nil {
			return nil, err
		}
		bot = b
	}

	deps := jobs.Deps{
		Mailer:   mailer,
		Telegram: bot,
		Logger:   e.logger.With(logger.Field{Key: "component", Value: "jobs"}),
		Product:  e.cfg.SMTP.ProductName,
	}
	if e.store != nil {
		deps.Activity = e.store
	}

	b := registry.NewBuilder()
	if err := jobs.Register(b, deps); err != nil {
		return nil, err
	}
	for _, fn := range o.handlers {
		if err := fn(b); err != nil {
			return nil, fmt.Errorf("failed to register handlers: %w", err)
		}
	}
	return b.Build(), nil
}

// Registry returns the handler registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Notifier returns the outbound notifier.
func (e *Engine) Notifier() *notifier.Notifier {
	return e.notifier
}

// Addr returns the engine's bound address, or nil before Run has bound it.
func (e *Engine) Addr() net.Addr {
	return e.server.Addr()
}

// AdminAddr returns the admin server's bound address, or nil when disabled.
func (e *Engine) AdminAddr() net.Addr {
	if e.admin == nil {
		return nil
	}
	return e.admin.Addr()
}

func (e *Engine) closeStore() {
	if e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", err)
	}
}

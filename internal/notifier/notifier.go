// Package notifier delivers messages to engine instances over TCP and applies
// the resend policy when a delivery times out.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/metrics"
	"github.com/aatumaykin/eventengine/internal/retry"
)

var (
	// ErrRequeued is returned by Send when a timed-out message was handed back
	// to the local work queue for another attempt.
	ErrRequeued = errors.New("delivery timed out, message requeued")
	// ErrRetriesExhausted is returned once the resend budget is spent.
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
	ErrBreakerOpen      = errors.New("circuit breaker open for peer")
	ErrBadHandshake     = errors.New("unexpected HELLO reply")
	ErrClosed           = errors.New("notifier closed")
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Requeuer takes timed-out messages back for a worker-driven resend.
type Requeuer interface {
	Enqueue(ctx context.Context, env message.Envelope) error
}

// Config represents notifier settings.
type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Breaker      BreakerConfig
}

// DefaultConfig returns the default notifier configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  constants.DefaultDialTimeoutSeconds * time.Second,
		WriteTimeout: constants.DefaultWriteTimeoutSeconds * time.Second,
		Breaker: BreakerConfig{
			Threshold:   constants.DefaultBreakerThreshold,
			OpenTimeout: constants.DefaultBreakerOpenSeconds * time.Second,
		},
	}
}

// Notifier sends messages to peers.
type Notifier struct {
	cfg      Config
	policy   retry.Policy
	dialer   Dialer
	requeuer Requeuer
	logger   *logger.Logger
	metrics  *metrics.Metrics
	breakers *breakerSet

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	timers  map[string]*time.Timer
	pending sync.WaitGroup
	count   int
	idle    chan struct{}
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithDialer replaces the default *net.Dialer.
func WithDialer(d Dialer) Option {
	return func(n *Notifier) { n.dialer = d }
}

// WithRequeuer enables resend-on-timeout through r.
func WithRequeuer(r Requeuer) Option {
	return func(n *Notifier) { n.requeuer = r }
}

// WithPolicy sets the resend policy.
func WithPolicy(p retry.Policy) Option {
	return func(n *Notifier) { n.policy = p }
}

// WithMetrics records delivery outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// New creates a Notifier. Without WithRequeuer every timeout is terminal.
func New(cfg Config, log *logger.Logger, opts ...Option) *Notifier {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = constants.DefaultDialTimeoutSeconds * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = constants.DefaultWriteTimeoutSeconds * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:    cfg,
		policy: retry.DefaultPolicy(),
		dialer: &net.Dialer{},
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
		idle:   closedChan(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if cfg.Breaker.Enabled {
		n.breakers = newBreakerSet(cfg.Breaker, log, n.metrics)
	}
	return n
}

// Send delivers msg to addr. Errors are logged here; the returned error tells
// the caller what happened (nil, ErrRequeued, ErrRetriesExhausted, ErrBreakerOpen
// or the underlying network error).
func (n *Notifier) Send(ctx context.Context, msg message.Message, addr string) error {
	var err error
	if n.breakers != nil {
		err = n.breakers.execute(addr, func() error {
			return n.deliver(ctx, msg, addr)
		})
		if errors.Is(err, ErrBreakerOpen) {
			n.metrics.RecordDelivery(metrics.DeliveryBreakerOpen)
			n.logger.Warn("peer circuit breaker open, message discarded",
				logger.Field{Key: "peer", Value: addr},
				logger.Field{Key: "event", Value: msg.Event})
			return err
		}
	} else {
		err = n.deliver(ctx, msg, addr)
	}

	switch {
	case err == nil:
		n.metrics.RecordDelivery(metrics.DeliverySent)
		n.logger.Debug("message delivered",
			logger.Field{Key: "peer", Value: addr},
			logger.Field{Key: "event", Value: msg.Event},
			logger.Field{Key: "error_count", Value: msg.ErrorCount})
		return nil

	case retry.IsTimeout(err):
		return n.handleTimeout(msg, addr, err)

	case retry.IsRefused(err):
		n.metrics.RecordDelivery(metrics.DeliveryRefused)
		n.logger.Warn("peer refused connection, message discarded",
			logger.Field{Key: "peer", Value: addr},
			logger.Field{Key: "event", Value: msg.Event},
			logger.Field{Key: "error", Value: err.Error()})
		return err

	default:
		n.metrics.RecordDelivery(metrics.DeliveryFailed)
		n.logger.Error("message delivery failed", err,
			logger.Field{Key: "peer", Value: addr},
			logger.Field{Key: "payload", Value: message.RedactedJSON(msg)})
		return err
	}
}

// deliver dials addr, writes the encoded message and closes.
func (n *Notifier) deliver(ctx context.Context, msg message.Message, addr string) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	conn, err := n.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

func (n *Notifier) handleTimeout(msg message.Message, addr string, cause error) error {
	if n.requeuer == nil {
		n.metrics.RecordDelivery(metrics.DeliveryDropped)
		n.logger.Error("message delivery timed out", cause,
			logger.Field{Key: "peer", Value: addr},
			logger.Field{Key: "payload", Value: message.RedactedJSON(msg)})
		return cause
	}

	next, ok := n.policy.Next(msg)
	if !ok {
		stripped := msg.Clone()
		stripped.ErrorCount = 0
		n.metrics.RecordDelivery(metrics.DeliveryDropped)
		n.logger.Error("message delivery timed out, retries exhausted", cause,
			logger.Field{Key: "peer", Value: addr},
			logger.Field{Key: "attempts", Value: msg.ErrorCount + 1},
			logger.Field{Key: "payload", Value: message.RedactedJSON(stripped)})
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, addr, msg.ErrorCount+1, cause)
	}

	delay := n.policy.Backoff(next.ErrorCount)
	env := message.NewResend(next, addr)
	if err := n.schedule(env, delay); err != nil {
		n.metrics.RecordDelivery(metrics.DeliveryDropped)
		n.logger.Error("failed to requeue timed-out message", err,
			logger.Field{Key: "peer", Value: addr},
			logger.Field{Key: "payload", Value: message.RedactedJSON(msg)})
		return err
	}

	n.metrics.RecordDelivery(metrics.DeliveryRequeued)
	n.logger.Warn("message delivery timed out, requeued",
		logger.Field{Key: "peer", Value: addr},
		logger.Field{Key: "event", Value: msg.Event},
		logger.Field{Key: "error_count", Value: next.ErrorCount},
		logger.Field{Key: "delay", Value: delay.String()})
	return ErrRequeued
}

// schedule hands env to the requeuer after delay on a timer goroutine, so a
// worker calling Send never blocks on its own queue.
func (n *Notifier) schedule(env message.Envelope, delay time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}

	if n.count == 0 {
		n.idle = make(chan struct{})
	}
	n.count++
	n.pending.Add(1)

	id := env.ID
	n.timers[id] = time.AfterFunc(delay, func() {
		defer n.finish(id)
		if err := n.requeuer.Enqueue(n.ctx, env); err != nil {
			n.metrics.RecordDelivery(metrics.DeliveryDropped)
			n.logger.Error("failed to requeue timed-out message", err,
				logger.Field{Key: "peer", Value: env.Peer},
				logger.Field{Key: "payload", Value: message.RedactedJSON(env.Message)})
		}
	})
	return nil
}

func (n *Notifier) finish(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.timers[id]; !ok {
		return
	}
	delete(n.timers, id)
	n.done()
}

// done must be called with mu held.
func (n *Notifier) done() {
	n.count--
	if n.count == 0 {
		close(n.idle)
	}
	n.pending.Done()
}

// Pending returns the number of scheduled resends not yet handed to the queue.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// WaitIdle blocks until no resends are scheduled, or ctx is done.
func (n *Notifier) WaitIdle(ctx context.Context) error {
	n.mu.Lock()
	idle := n.idle
	n.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels scheduled resends (they are logged as dropped) and waits for
// in-progress requeues to finish.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for id, t := range n.timers {
		if t.Stop() {
			delete(n.timers, id)
			n.done()
			n.metrics.RecordDelivery(metrics.DeliveryDropped)
			n.logger.Warn("scheduled resend dropped on shutdown",
				logger.Field{Key: "id", Value: id})
		}
	}
	n.mu.Unlock()

	n.cancel()
	n.pending.Wait()
}

// Ping performs the HELLO handshake with addr and succeeds only on an exact HI.
func (n *Notifier) Ping(ctx context.Context, addr string) error {
	data, err := message.Encode(message.New(constants.EventHello, nil))
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	conn, err := n.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(n.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write HELLO to %s: %w", addr, err)
	}

	// +1 чтобы отличить "HI" от "HI..."
	buf := make([]byte, len(constants.HelloReply)+1)
	got, err := io.ReadFull(conn, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read HELLO reply from %s: %w", addr, err)
	}
	reply := string(buf[:got])
	if reply != constants.HelloReply {
		return fmt.Errorf("%w from %s: %q", ErrBadHandshake, addr, reply)
	}
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

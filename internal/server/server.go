// Package server implements the connection acceptor: a TCP listener that reads a
// single JSON message per connection, answers HELLO probes and hands everything
// else to the work queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/metrics"
)

var (
	ErrServerClosed   = errors.New("server closed")
	ErrAlreadyServing = errors.New("server already serving")
)

// Enqueuer accepts decoded work. *queue.Queue[message.Envelope] satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, env message.Envelope) error
}

// Config represents acceptor settings.
type Config struct {
	Host           string
	Port           int
	ReadBufferSize int           // size of the single read; larger payloads are truncated
	ReadTimeout    time.Duration // 0 disables the read deadline
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server accepts connections and enqueues the messages they carry.
type Server struct {
	cfg     Config
	queue   Enqueuer
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	conns    sync.WaitGroup
}

// New creates a Server. m may be nil.
func New(cfg Config, q Enqueuer, log *logger.Logger, m *metrics.Metrics) *Server {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = constants.DefaultReadBufferSize
	}
	if cfg.Host == "" {
		cfg.Host = constants.DefaultHost
	}
	return &Server{
		cfg:     cfg,
		queue:   q,
		logger:  log,
		metrics: m,
	}
}

// ListenAndServe binds cfg.Host:cfg.Port and serves until Shutdown or ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. Each connection is handled on its own
// goroutine. It returns nil after Shutdown or once ctx is done. Serve on a
// server already shut down returns ErrServerClosed, unless ctx is done too.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		// отмена ctx успела раньше Serve: это штатная остановка
		if ctx.Err() != nil {
			return nil
		}
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.listener = ln
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	baseCtx := s.baseCtx
	s.mu.Unlock()

	// ctx отменён - закрываем listener, чтобы Accept вернул ошибку
	stop := context.AfterFunc(ctx, func() {
		s.closeListener()
	})
	defer stop()

	s.logger.Info("📡 Engine listening", logger.Field{Key: "addr", Value: ln.Addr().String()})

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			// Временные ошибки accept (EMFILE и т.п.) - ждём и продолжаем
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Error("failed to accept connection", err,
				logger.Field{Key: "retry_in", Value: tempDelay.String()})
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(baseCtx, conn)
		}()
	}
}

// handleConnection обрабатывает одно подключение: одно чтение, decode, ответ или enqueue.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordConnection(metrics.ConnPanic)
			s.logger.Error("connection handler panic", fmt.Errorf("panic: %v", r),
				logger.Field{Key: "remote", Value: remote})
		}
	}()

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	buf := make([]byte, s.cfg.ReadBufferSize)
	n, readErr := conn.Read(buf)
	if n == 0 {
		s.metrics.RecordConnection(metrics.ConnEmpty)
		fields := []logger.Field{{Key: "remote", Value: remote}}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			fields = append(fields, logger.Field{Key: "error", Value: readErr.Error()})
		}
		s.logger.Warn("connection closed without payload", fields...)
		return
	}
	data := buf[:n]

	msg, err := message.Decode(data)
	if err != nil {
		s.metrics.RecordConnection(metrics.ConnDecodeError)
		s.logger.Error("failed to decode message", err,
			logger.Field{Key: "remote", Value: remote},
			logger.Field{Key: "payload", Value: string(data)})
		return
	}

	if msg.IsHello(constants.EventHello) {
		s.metrics.RecordConnection(metrics.ConnHello)
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if _, err := io.WriteString(conn, constants.HelloReply); err != nil {
			s.logger.Warn("failed to answer HELLO",
				logger.Field{Key: "remote", Value: remote},
				logger.Field{Key: "error", Value: err.Error()})
		}
		return
	}

	env := message.NewEnvelope(msg)
	if err := s.queue.Enqueue(ctx, env); err != nil {
		s.metrics.RecordConnection(metrics.ConnRejected)
		s.logger.Warn("message not enqueued",
			logger.Field{Key: "remote", Value: remote},
			logger.Field{Key: "event", Value: msg.Event},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.metrics.RecordConnection(metrics.ConnEnqueued)
	s.logger.Debug("message enqueued",
		logger.Field{Key: "id", Value: env.ID},
		logger.Field{Key: "event", Value: msg.Event},
		logger.Field{Key: "error_count", Value: msg.ErrorCount},
		logger.Field{Key: "remote", Value: remote})
}

// Shutdown stops accepting and waits for in-flight connection handlers. If ctx
// expires first, handlers blocked on the queue are cancelled and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) closeListener() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

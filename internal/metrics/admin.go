package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/eventengine/internal/logger"
)

// StatsFunc returns a JSON-encodable snapshot of engine state.
type StatsFunc func(ctx context.Context) any

// HealthFunc reports whether the engine can serve traffic.
type HealthFunc func(ctx context.Context) error

// AdminServer serves /metrics, /healthz and /stats over HTTP.
type AdminServer struct {
	addr   string
	logger *logger.Logger
	router chi.Router
	stats  StatsFunc
	health HealthFunc

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// AdminOption configures an AdminServer.
type AdminOption func(*AdminServer)

// WithStats sets the /stats source.
func WithStats(fn StatsFunc) AdminOption {
	return func(a *AdminServer) { a.stats = fn }
}

// WithHealthCheck sets the /healthz probe.
func WithHealthCheck(fn HealthFunc) AdminOption {
	return func(a *AdminServer) { a.health = fn }
}

// NewAdminServer creates the admin HTTP server. gatherer is usually the
// registry the Metrics were registered on.
func NewAdminServer(addr string, gatherer prometheus.Gatherer, log *logger.Logger, opts ...AdminOption) *AdminServer {
	if log == nil {
		log = logger.Discard()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	a := &AdminServer{addr: addr, logger: log}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", a.handleHealth)
	r.Get("/stats", a.handleStats)

	a.router = r
	return a
}

// Handler returns the router, for tests and embedding.
func (a *AdminServer) Handler() http.Handler {
	return a.router
}

// ListenAndServe binds the address and serves until Shutdown or ctx is done.
func (a *AdminServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln. It returns nil after a graceful shutdown.
func (a *AdminServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	a.mu.Lock()
	a.srv = srv
	a.ln = ln
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	a.logger.Info("admin server listening", logger.Field{Key: "addr", Value: ln.Addr().String()})

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or nil before Serve.
func (a *AdminServer) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]any{}
	if a.stats != nil {
		body = a.stats(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to write stats response", err)
	}
}

func (a *AdminServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("admin request",
			logger.Field{Key: "method", Value: r.Method},
			logger.Field{Key: "path", Value: r.URL.Path},
			logger.Field{Key: "status", Value: ww.Status()},
			logger.Field{Key: "duration", Value: time.Since(start)},
			logger.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())})
	})
}

package engine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/eventengine/internal/config"
	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/jobs"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/notifier"
	"github.com/aatumaykin/eventengine/internal/registry"
	"github.com/aatumaykin/eventengine/internal/store"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []jobs.Mail
}

func (f *fakeMailer) Send(_ context.Context, m jobs.Mail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type running struct {
	engine *Engine
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.ShutdownTimeoutSeconds = 5
	cfg.Engine.ReadTimeoutSeconds = 2
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config, opts ...Option) *running {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts = append([]Option{WithMailer(&fakeMailer{}), WithListener(ln)}, opts...)
	e, err := New(context.Background(), cfg, logger.Discard(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{engine: e, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
	})
	return r
}

func client() *notifier.Notifier {
	return notifier.New(notifier.DefaultConfig(), logger.Discard())
}

func TestEngine_DispatchesToHandler(t *testing.T) {
	var got atomic.Value
	r := startEngine(t, testConfig(), WithHandlers(func(b *registry.Builder) error {
		return b.RegisterFunc("RECORD", func(_ context.Context, params map[string]any) error {
			got.Store(params["name"])
			return nil
		})
	}))

	require.NoError(t, client().Send(context.Background(), message.New("RECORD", map[string]any{"name": "alice"}), r.addr))

	require.Eventually(t, func() bool { return got.Load() == "alice" }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, r.stop(t))
}

func TestEngine_HelloHandshake(t *testing.T) {
	r := startEngine(t, testConfig())

	assert.NoError(t, client().Ping(context.Background(), r.addr))
	assert.Equal(t, 0, r.engine.queue.Len())
	assert.NoError(t, r.stop(t))
}

func TestEngine_BuiltInHandlersRegistered(t *testing.T) {
	e, err := New(context.Background(), testConfig(), logger.Discard(), WithMailer(&fakeMailer{}))
	require.NoError(t, err)

	events := e.Registry().Events()
	assert.Contains(t, events, constants.EventSendVerificationEmail)
	assert.Contains(t, events, constants.EventSendPasswordResetLink)
	assert.NotContains(t, events, constants.EventSendTelegramMessage)
}

func TestEngine_VerificationEmailWithStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = store.DriverSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "engine.db")

	mailer := &fakeMailer{}
	r := startEngine(t, cfg, WithMailer(mailer))

	msg := message.New(constants.EventSendVerificationEmail, map[string]any{
		"sender_email":      "noreply@example.com",
		"receiver_email":    "user@example.com",
		"password":          "s3cret",
		"verification_code": "123456",
	})
	require.NoError(t, client().Send(context.Background(), msg, r.addr))
	require.Eventually(t, func() bool { return mailer.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	rows, err := r.engine.store.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "user@example.com", rows[0].Subject)

	assert.NoError(t, r.stop(t))
}

func TestEngine_ShutdownDrainsQueue(t *testing.T) {
	var handled atomic.Int64
	release := make(chan struct{})
	r := startEngine(t, testConfig(), WithHandlers(func(b *registry.Builder) error {
		return b.RegisterFunc("SLOW", func(ctx context.Context, _ map[string]any) error {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			handled.Add(1)
			return nil
		})
	}))

	c := client()
	for range 20 {
		require.NoError(t, c.Send(context.Background(), message.New("SLOW", nil), r.addr))
	}
	require.Eventually(t, func() bool {
		return r.engine.queue.Unfinished() == 20
	}, 2*time.Second, 10*time.Millisecond)

	r.cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, int64(20), handled.Load())
	assert.True(t, r.engine.queue.IsClosed())
}

func TestEngine_StopsAcceptingOnShutdown(t *testing.T) {
	r := startEngine(t, testConfig())
	require.NoError(t, r.stop(t))

	_, err := net.DialTimeout("tcp", r.addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestEngine_RunTwice(t *testing.T) {
	r := startEngine(t, testConfig())
	assert.ErrorIs(t, r.engine.Run(context.Background()), ErrAlreadyRunning)
	assert.NoError(t, r.stop(t))
}

func TestEngine_ListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Engine.Port = busy.Addr().(*net.TCPAddr).Port

	e, err := New(context.Background(), cfg, logger.Discard(), WithMailer(&fakeMailer{}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return on listen failure")
	}
}

func TestEngine_InvalidStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "mysql"
	cfg.Store.DSN = "x"

	_, err := New(context.Background(), cfg, logger.Discard(), WithMailer(&fakeMailer{}))
	assert.ErrorIs(t, err, store.ErrUnknownDriver)
}

func TestEngine_DuplicateHandler(t *testing.T) {
	_, err := New(context.Background(), testConfig(), logger.Discard(),
		WithMailer(&fakeMailer{}),
		WithHandlers(func(b *registry.Builder) error {
			return b.RegisterFunc(constants.EventSendVerificationEmail, func(context.Context, map[string]any) error { return nil })
		}))
	assert.ErrorIs(t, err, registry.ErrDuplicateEvent)
}

func TestEngine_AdminEndpoints(t *testing.T) {
	adminLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := startEngine(t, testConfig(), WithAdminListener(adminLn))
	base := "http://" + adminLn.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, "none", stats.Store)
	assert.Contains(t, stats.Events, constants.EventSendVerificationEmail)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "eventengine_queue_depth")

	assert.NoError(t, r.stop(t))
}

func TestEngine_HeartbeatProbesPeer(t *testing.T) {
	peer := startEngine(t, testConfig())

	cfg := testConfig()
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Schedule = "@every 1s"
	cfg.Heartbeat.Peers = []string{peer.addr}

	r := startEngine(t, cfg)
	require.Eventually(t, func() bool {
		st := r.engine.Stats(context.Background()).Peers
		return len(st) == 1 && st[0].Up
	}, 5*time.Second, 50*time.Millisecond)

	assert.NoError(t, r.stop(t))
	assert.NoError(t, peer.stop(t))
}

func TestEngine_Health(t *testing.T) {
	e, err := New(context.Background(), testConfig(), logger.Discard(), WithMailer(&fakeMailer{}))
	require.NoError(t, err)

	assert.ErrorIs(t, e.Health(context.Background()), ErrNotRunning)

	e.queue.Close()
	assert.Error(t, e.Health(context.Background()))
}

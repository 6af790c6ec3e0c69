package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/message"
	"github.com/aatumaykin/eventengine/internal/metrics"
	"github.com/aatumaykin/eventengine/internal/queue"
	"github.com/aatumaykin/eventengine/internal/registry"
	"github.com/aatumaykin/eventengine/internal/store"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func createTestLogger(t *testing.T) (*logger.Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	log, err := logger.NewWithWriter(logger.Config{Level: "debug", Format: "text"}, buf)
	require.NoError(t, err)
	return log, buf
}

func enqueue(t *testing.T, q *queue.Queue[message.Envelope], event string, params map[string]any) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), message.NewEnvelope(message.New(event, params))))
}

func join(t *testing.T, q *queue.Queue[message.Envelope]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Join(ctx))
}

func stopPool(t *testing.T, p *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestPool_StartStop(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})
	p := NewPool(2, q, registry.NewBuilder().Build(), log)

	assert.ErrorIs(t, p.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	assert.True(t, p.IsStarted())
	assert.Equal(t, 2, p.WorkerCount())

	stopPool(t, p)
	assert.NoError(t, p.Stop(context.Background()), "second Stop is a no-op")
}

func TestPool_DefaultSize(t *testing.T) {
	p := NewPool(0, queue.New[message.Envelope](queue.Options{}), nil, logger.Discard())
	assert.Equal(t, DefaultPoolSize, p.WorkerCount())
}

func TestPool_NoLossNoDuplicates(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})

	var mu sync.Mutex
	seen := make(map[int]int)

	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("COUNT", func(_ context.Context, params map[string]any) error {
		mu.Lock()
		seen[params["n"].(int)]++
		mu.Unlock()
		return nil
	}))

	p := NewPool(4, q, b.Build(), log)
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	const total = 1000
	for i := 0; i < total; i++ {
		enqueue(t, q, "COUNT", map[string]any{"n": i})
	}
	join(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for n, c := range seen {
		if c != 1 {
			t.Errorf("message %d handled %d times", n, c)
		}
	}

	m := p.Metrics()
	assert.Equal(t, uint64(total), m.MessagesDequeued)
	assert.Equal(t, uint64(total), m.HandlersOK)
	assert.Zero(t, m.HandlersFailed)
}

func TestPool_HandlerFailureDoesNotStopWorker(t *testing.T) {
	log, logs := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})

	var handled atomic.Int32
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("FAIL", func(context.Context, map[string]any) error {
		return errors.New("smtp unavailable")
	}))
	require.NoError(t, b.RegisterFunc("PANIC", func(context.Context, map[string]any) error {
		panic("nil map write")
	}))
	require.NoError(t, b.RegisterFunc("OK", func(context.Context, map[string]any) error {
		handled.Add(1)
		return nil
	}))

	// один worker: сбои и паника не должны его убить
	p := NewPool(1, q, b.Build(), log)
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	enqueue(t, q, "FAIL", map[string]any{"password": "hunter2-secret"})
	enqueue(t, q, "PANIC", nil)
	enqueue(t, q, "OK", nil)
	enqueue(t, q, "OK", nil)
	join(t, q)

	assert.Equal(t, int32(2), handled.Load())
	m := p.Metrics()
	assert.Equal(t, uint64(2), m.HandlersFailed)
	assert.Equal(t, uint64(2), m.HandlersOK)

	out := logs.String()
	assert.Contains(t, out, "handler failed")
	assert.Contains(t, out, "smtp unavailable")
	assert.Contains(t, out, "handler panic recovered")
	assert.Contains(t, out, "nil map write")
	assert.NotContains(t, out, "hunter2-secret")
}

func TestPool_UnknownEvent(t *testing.T) {
	log, logs := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})

	p := NewPool(2, q, registry.NewBuilder().Build(), log)
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	enqueue(t, q, "NOT_REGISTERED", nil)
	enqueue(t, q, "", nil)
	join(t, q)

	assert.Equal(t, uint64(2), p.Metrics().UnknownEvents)
	assert.Contains(t, logs.String(), "invalid event type")
	assert.Contains(t, logs.String(), "level=WARN")
}

type fakeResender struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeResender) Send(_ context.Context, msg message.Message, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s@%s#%d", msg.Event, addr, msg.ErrorCount))
	return nil
}

func TestPool_ResendPath(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})
	r := &fakeResender{}

	var local atomic.Int32
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("A", func(context.Context, map[string]any) error {
		local.Add(1)
		return nil
	}))

	p := NewPool(2, q, b.Build(), log, WithResender(r))
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	m := message.New("A", nil)
	m.ErrorCount = 3
	require.NoError(t, q.Enqueue(context.Background(), message.NewResend(m, "10.1.1.1:8888")))
	join(t, q)

	r.mu.Lock()
	assert.Equal(t, []string{"A@10.1.1.1:8888#3"}, r.calls)
	r.mu.Unlock()
	assert.Zero(t, local.Load(), "resend must not run the local handler")
	assert.Equal(t, uint64(1), p.Metrics().Resent)
}

func TestPool_ResendWithoutNotifier(t *testing.T) {
	log, logs := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})
	p := NewPool(1, q, registry.NewBuilder().Build(), log)
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	require.NoError(t, q.Enqueue(context.Background(), message.NewResend(message.New("A", nil), "10.1.1.1:8888")))
	join(t, q)
	assert.Contains(t, logs.String(), "requeued message dropped")
}

// fakeTx records the transactional scope the pool opens.
type fakeTx struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (f *fakeTx) RunInTransaction(ctx context.Context, fn store.TxFn) error {
	err := func() error {
		defer func() {
			if r := recover(); r != nil {
				f.mu.Lock()
				f.rollbacks++
				f.mu.Unlock()
				panic(r)
			}
		}()
		return fn(ctx, nil)
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func TestPool_TransactionalScope(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})
	tx := &fakeTx{}

	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("OK", func(context.Context, map[string]any) error { return nil }))
	require.NoError(t, b.RegisterFunc("FAIL", func(context.Context, map[string]any) error { return errors.New("fail") }))
	require.NoError(t, b.RegisterFunc("PANIC", func(context.Context, map[string]any) error { panic("boom") }))

	p := NewPool(1, q, b.Build(), log, WithTxRunner(tx))
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	enqueue(t, q, "OK", nil)
	enqueue(t, q, "FAIL", nil)
	enqueue(t, q, "PANIC", nil)
	enqueue(t, q, "UNKNOWN", nil)
	join(t, q)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 2, tx.rollbacks)
}

func TestPool_TransactionalScopeWithSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	record := func(status string, fail bool) registry.HandlerFunc {
		return func(ctx context.Context, params map[string]any) error {
			_, inTx := store.TxFromContext(ctx)
			require.True(t, inTx)
			if err := s.RecordActivity(ctx, store.Activity{Event: "JOB", Subject: params["to"].(string), Status: status}); err != nil {
				return err
			}
			if fail {
				return errors.New("send failed")
			}
			return nil
		}
	}

	b := registry.NewBuilder()
	require.NoError(t, b.Register("GOOD", record("sent", false)))
	require.NoError(t, b.Register("BAD", record("sent", true)))

	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})
	p := NewPool(1, q, b.Build(), log, WithTxRunner(s))
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	enqueue(t, q, "GOOD", map[string]any{"to": "a@example.com"})
	enqueue(t, q, "BAD", map[string]any{"to": "b@example.com"})
	join(t, q)

	rows, err := s.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a@example.com", rows[0].Subject)
}

func TestPool_StopLeavesRemainingQueued(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("SLOW", func(context.Context, map[string]any) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	p := NewPool(1, q, b.Build(), log)
	for i := 0; i < 3; i++ {
		enqueue(t, q, "SLOW", nil)
	}
	require.NoError(t, p.Start())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not started")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- p.Stop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, 2, q.Len(), "unprocessed messages remain queued")
	assert.Equal(t, uint64(1), p.Metrics().HandlersOK)
}

func TestPool_StopTimeoutCancelsHandlers(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})

	entered := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("STUCK", func(ctx context.Context, _ map[string]any) error {
		entered <- struct{}{}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	p := NewPool(1, q, b.Build(), log)
	require.NoError(t, p.Start())
	enqueue(t, q, "STUCK", nil)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestPool_ExitsWhenQueueClosed(t *testing.T) {
	log, _ := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})

	var handled atomic.Int32
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("A", func(context.Context, map[string]any) error {
		handled.Add(1)
		return nil
	}))

	p := NewPool(3, q, b.Build(), log)
	require.NoError(t, p.Start())

	enqueue(t, q, "A", nil)
	enqueue(t, q, "A", nil)
	q.Close()
	join(t, q)

	stopPool(t, p)
	assert.Equal(t, int32(2), handled.Load())
}

func TestPool_HandlerContextCarriesLogFields(t *testing.T) {
	q := queue.New[message.Envelope](queue.Options{})

	got := make(chan []logger.Field, 1)
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("TRACE", func(ctx context.Context, _ map[string]any) error {
		got <- logger.FieldsFromContext(ctx)
		return nil
	}))

	p := NewPool(1, q, b.Build(), logger.Discard())
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	enqueue(t, q, "TRACE", nil)
	join(t, q)

	fields := <-got
	keys := make(map[string]any, len(fields))
	for _, f := range fields {
		keys[f.Key] = f.Value
	}
	assert.Equal(t, 0, keys["worker_id"])
	assert.Equal(t, "TRACE", keys["event"])
	assert.NotEmpty(t, keys["id"])
}

func TestPool_SQLiteTransactionsRunInParallel(t *testing.T) {
	ctx := context.Background()
	const workers = 4

	s, err := store.Open(ctx, store.Config{
		Driver:   store.DriverSQLite,
		DSN:      filepath.Join(t.TempDir(), "engine.db"),
		MaxConns: workers + 1,
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	var running, peak atomic.Int32
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterFunc("SLOW", func(ctx context.Context, params map[string]any) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		return s.RecordActivity(ctx, store.Activity{Event: "SLOW", Subject: params["to"].(string), Status: "sent"})
	}))

	q := queue.New[message.Envelope](queue.Options{})
	p := NewPool(workers, q, b.Build(), logger.Discard(), WithTxRunner(s))
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	for i := range workers {
		enqueue(t, q, "SLOW", map[string]any{"to": fmt.Sprintf("user%d@example.com", i)})
	}
	join(t, q)

	assert.Greater(t, peak.Load(), int32(1))
	assert.Equal(t, uint64(workers), p.Metrics().HandlersOK)

	rows, err := s.RecentActivity(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, workers)
}

type panicResender struct{}

func (panicResender) Send(context.Context, message.Message, string) error {
	panic("dial table corrupted")
}

func TestPool_ResendPanicUsesFixedEventLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.InitPrometheusMetrics("test", reg)

	log, logs := createTestLogger(t)
	q := queue.New[message.Envelope](queue.Options{})
	p := NewPool(1, q, registry.NewBuilder().Build(), log, WithResender(panicResender{}), WithMetrics(m))
	require.NoError(t, p.Start())
	defer stopPool(t, p)

	for i := range 3 {
		env := message.NewResend(message.New(fmt.Sprintf("CLIENT_EVENT_%d", i), nil), "10.1.1.1:8888")
		require.NoError(t, q.Enqueue(context.Background(), env))
	}
	join(t, q)

	families, err := reg.Gather()
	require.NoError(t, err)

	var series int
	for _, mf := range families {
		if mf.GetName() != "test_messages_processed_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			series++
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "event" {
					assert.Equal(t, metrics.EventResend, lp.GetValue())
				}
			}
			assert.Equal(t, 3.0, metric.GetCounter().GetValue())
		}
	}
	assert.Equal(t, 1, series)
	assert.Equal(t, uint64(3), p.Metrics().HandlersFailed)
	assert.Contains(t, logs.String(), "handler panic recovered")
}

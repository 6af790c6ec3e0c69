package heartbeat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/metrics"
)

// mockPinger answers per peer; peers not in down are up.
type mockPinger struct {
	mu    sync.Mutex
	down  map[string]bool
	calls map[string]int
	delay time.Duration
}

func newMockPinger() *mockPinger {
	return &mockPinger{down: map[string]bool{}, calls: map[string]int{}}
}

func (m *mockPinger) Ping(ctx context.Context, addr string) error {
	m.mu.Lock()
	m.calls[addr]++
	down := m.down[addr]
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if down {
		return errors.New("connection refused")
	}
	return nil
}

func (m *mockPinger) setDown(addr string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[addr] = down
}

func (m *mockPinger) callCount(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[addr]
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 30s"))
	assert.NoError(t, ValidateSchedule("*/10 * * * * *"))
	assert.NoError(t, ValidateSchedule("0 * * * *"))
	assert.Error(t, ValidateSchedule("every minute"))
	assert.Error(t, ValidateSchedule(""))
}

func TestChecker_CheckNow(t *testing.T) {
	pinger := newMockPinger()
	pinger.setDown("b:2", true)

	reg := prometheus.NewRegistry()
	m := metrics.InitPrometheusMetrics("hb", reg)
	c := NewChecker(Config{Schedule: "@every 1h", Peers: []string{"a:1", "b:2"}}, pinger, logger.Discard(), m)

	results := c.CheckNow(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results[0].Up)
	assert.False(t, results[1].Up)
	assert.Equal(t, "connection refused", results[1].LastError)

	st := c.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "a:1", st[0].Peer)
	assert.Equal(t, "b:2", st[1].Peer)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "hb_peer_up" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}

func TestChecker_LogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(logger.Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	pinger := newMockPinger()
	c := NewChecker(Config{Schedule: "@every 1h", Peers: []string{"p:1"}}, pinger, log, nil)

	pinger.setDown("p:1", true)
	c.CheckNow(context.Background())
	assert.Contains(t, buf.String(), "peer is down")

	buf.Reset()
	c.CheckNow(context.Background())
	assert.NotContains(t, buf.String(), "peer is down")

	pinger.setDown("p:1", false)
	c.CheckNow(context.Background())
	assert.Contains(t, buf.String(), "peer is back up")
}

func TestChecker_ProbeTimeout(t *testing.T) {
	pinger := newMockPinger()
	pinger.delay = time.Second
	c := NewChecker(Config{Schedule: "@every 1h", Peers: []string{"slow:1"}, Timeout: 20 * time.Millisecond}, pinger, nil, nil)

	start := time.Now()
	results := c.CheckNow(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, results, 1)
	assert.False(t, results[0].Up)
}

func TestChecker_NoPeers(t *testing.T) {
	c := NewChecker(Config{Schedule: "@every 1h"}, newMockPinger(), nil, nil)
	assert.Empty(t, c.CheckNow(context.Background()))
	assert.Empty(t, c.Statuses())
}

func TestChecker_StartStop(t *testing.T) {
	pinger := newMockPinger()
	c := NewChecker(Config{Schedule: "@every 1s", Peers: []string{"a:1"}}, pinger, logger.Discard(), nil)

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	assert.True(t, c.IsStarted())

	require.Eventually(t, func() bool { return pinger.callCount("a:1") >= 1 }, 3*time.Second, 50*time.Millisecond)

	c.Stop()
	assert.False(t, c.IsStarted())
	n := pinger.callCount("a:1")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, pinger.callCount("a:1"))

	c.Stop()
}

func TestChecker_StartInvalidSchedule(t *testing.T) {
	c := NewChecker(Config{Schedule: "bogus"}, newMockPinger(), nil, nil)
	assert.Error(t, c.Start())
	assert.False(t, c.IsStarted())
}

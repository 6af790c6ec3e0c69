// Package heartbeat periodically probes the notifier peers with HELLO and
// tracks which of them answer.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/metrics"
)

// Pinger sends a HELLO probe to addr. *notifier.Notifier satisfies it.
type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// PeerStatus is the result of the last probe of one peer.
type PeerStatus struct {
	Peer      string    `json:"peer"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Config represents heartbeat settings.
type Config struct {
	Schedule string        // cron spec, e.g. "@every 30s" or "*/15 * * * * *"
	Peers    []string      // host:port
	Timeout  time.Duration // per-probe timeout
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron spec.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", spec, err)
	}
	return nil
}

// Checker probes peers on a cron schedule.
type Checker struct {
	cfg     Config
	pinger  Pinger
	logger  *logger.Logger
	metrics *metrics.Metrics

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	mu       sync.RWMutex
	statuses map[string]PeerStatus
}

// NewChecker creates a checker. m may be nil.
func NewChecker(cfg Config, pinger Pinger, log *logger.Logger, m *metrics.Metrics) *Checker {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Checker{
		cfg:      cfg,
		pinger:   pinger,
		logger:   log,
		metrics:  m,
		statuses: make(map[string]PeerStatus),
	}
}

// Start schedules the probes. Calling Start twice is a no-op.
func (c *Checker) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.cron.AddFunc(c.cfg.Schedule, func() { c.CheckNow(c.ctx) }); err != nil {
		c.cancel()
		return fmt.Errorf("invalid heartbeat schedule %q: %w", c.cfg.Schedule, err)
	}
	c.cron.Start()
	c.started = true

	c.logger.Info("heartbeat started",
		logger.Field{Key: "schedule", Value: c.cfg.Schedule},
		logger.Field{Key: "peers", Value: c.cfg.Peers})
	return nil
}

// Stop cancels in-flight probes and waits for the running round to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.cancel()
	stopped := c.cron.Stop()
	c.mu.Unlock()

	<-stopped.Done()
	c.logger.Info("heartbeat stopped")
}

// CheckNow probes every peer concurrently and records the results.
func (c *Checker) CheckNow(ctx context.Context) []PeerStatus {
	start := time.Now()

	results := make([]PeerStatus, len(c.cfg.Peers))
	var wg sync.WaitGroup
	for i, peer := range c.cfg.Peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probe(ctx, peer)
		}()
	}
	wg.Wait()

	c.metrics.ObserveHeartbeat(time.Since(start))
	return results
}

func (c *Checker) probe(ctx context.Context, peer string) PeerStatus {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.pinger.Ping(probeCtx, peer)
	st := PeerStatus{Peer: peer, Up: err == nil, LastCheck: time.Now()}
	if err != nil {
		st.LastError = err.Error()
	}

	c.mu.Lock()
	prev, seen := c.statuses[peer]
	c.statuses[peer] = st
	c.mu.Unlock()

	c.metrics.SetPeerUp(peer, st.Up)

	switch {
	case !st.Up && (!seen || prev.Up):
		c.logger.Warn("peer is down",
			logger.Field{Key: "peer", Value: peer},
			logger.Field{Key: "error", Value: st.LastError})
	case st.Up && seen && !prev.Up:
		c.logger.Info("peer is back up", logger.Field{Key: "peer", Value: peer})
	default:
		c.logger.Debug("heartbeat probe",
			logger.Field{Key: "peer", Value: peer},
			logger.Field{Key: "up", Value: st.Up})
	}
	return st
}

// Statuses returns the last known status of every probed peer, sorted by peer.
func (c *Checker) Statuses() []PeerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PeerStatus, 0, len(c.statuses))
	for _, st := range c.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// IsStarted reports whether the schedule is running.
func (c *Checker) IsStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

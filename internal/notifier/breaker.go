package notifier

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/metrics"
	"github.com/aatumaykin/eventengine/internal/retry"
)

// BreakerConfig configures the per-peer circuit breaker.
type BreakerConfig struct {
	Enabled     bool
	Threshold   uint32        // consecutive failures that open the breaker
	OpenTimeout time.Duration // how long the breaker stays open before a probe
}

// breakerSet holds one breaker per peer address, created lazily.
type breakerSet struct {
	cfg     BreakerConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg BreakerConfig, log *logger.Logger, m *metrics.Metrics) *breakerSet {
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &breakerSet{
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *breakerSet) get(peer string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[peer]; ok {
		return cb
	}

	threshold := s.cfg.Threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        peer,
		MaxRequests: 1,
		Timeout:     s.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Таймауты расходуют бюджет повторов, а не breaker
		IsSuccessful: func(err error) bool {
			return err == nil || retry.IsTimeout(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.metrics.SetBreakerState(name, int(to))
			s.logger.Warn("peer circuit breaker state changed",
				logger.Field{Key: "peer", Value: name},
				logger.Field{Key: "from", Value: from.String()},
				logger.Field{Key: "to", Value: to.String()})
		},
	})
	s.breakers[peer] = cb
	return cb
}

// execute runs fn through the peer's breaker. Rejections by an open breaker
// are reported as ErrBreakerOpen.
func (s *breakerSet) execute(peer string, fn func() error) error {
	_, err := s.get(peer).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrBreakerOpen, peer)
	}
	return err
}

// state returns the current breaker state for peer.
func (s *breakerSet) state(peer string) gobreaker.State {
	return s.get(peer).State()
}

// BreakerState returns the breaker state of peer ("closed", "half-open",
// "open"), or "disabled" when breakers are off.
func (n *Notifier) BreakerState(peer string) string {
	if n.breakers == nil {
		return "disabled"
	}
	return n.breakers.state(peer).String()
}

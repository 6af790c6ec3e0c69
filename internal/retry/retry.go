// Package retry implements the delivery error-count policy: how many times a
// message may be re-sent after a timeout, how long to wait between attempts,
// and how delivery errors are classified.
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/message"
)

const (
	defaultInitialBackoff = constants.DefaultInitialBackoffMS * time.Millisecond
	defaultMaxBackoff     = constants.DefaultMaxBackoffMS * time.Millisecond

	// maxShift guards 1<<attempt against overflow
	maxShift = 30
)

// Policy represents the resend budget of one logical message.
type Policy struct {
	MaxErrorCount  int           // Requeue while error_count is below this (default: 10)
	InitialBackoff time.Duration // Delay before the first resend; 0 disables backoff
	MaxBackoff     time.Duration // Upper bound of the exponential delay
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxErrorCount:  constants.DefaultMaxErrorCount,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// Next returns m with its error count incremented and true while the budget
// allows another attempt. Once error_count has reached MaxErrorCount it returns
// m unchanged and false. With the default budget a message is attempted 11 times.
func (p Policy) Next(m message.Message) (message.Message, bool) {
	if m.ErrorCount >= p.MaxErrorCount {
		return m, false
	}
	next := m.Clone()
	next.ErrorCount++
	return next, true
}

// Attempts returns the total number of delivery attempts for one message.
func (p Policy) Attempts() int {
	if p.MaxErrorCount < 0 {
		return 1
	}
	return p.MaxErrorCount + 1
}

// Backoff returns the delay before resending a message whose counter is now
// errorCount: 2^(errorCount-1) * initial, capped at MaxBackoff.
func (p Policy) Backoff(errorCount int) time.Duration {
	if p.InitialBackoff <= 0 || errorCount <= 0 {
		return 0
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = p.InitialBackoff
	}
	return calculateBackoff(errorCount-1, p.InitialBackoff, max)
}

// calculateBackoff calculates the backoff duration for a given attempt.
// Uses exponential backoff: 2^attempt * initial
// Capped at maxBackoff if the result exceeds it.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt > maxShift {
		return max
	}
	backoff := time.Duration(1<<uint(attempt)) * initial
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}

// IsTimeout reports whether err is a dial/write timeout that should be retried.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRefused reports whether the peer actively refused the connection.
func IsRefused(err error) bool {
	return err != nil && errors.Is(err, syscall.ECONNREFUSED)
}

// IsRetryable reports whether a delivery error consumes the resend budget.
// Only timeouts do; refusals and everything else are terminal.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return IsTimeout(err)
}

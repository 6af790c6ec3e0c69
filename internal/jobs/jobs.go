// Package jobs contains the built-in handlers the engine registers at startup:
// the account emails (verification code, password reset link) and a Telegram
// notice.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/logger"
	"github.com/aatumaykin/eventengine/internal/registry"
	"github.com/aatumaykin/eventengine/internal/store"
)

var (
	ErrMissingParam = errors.New("missing required param")
	ErrInvalidParam = errors.New("invalid param")
)

var emailPattern = re2.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ActivityRecorder stores an activity row. *store.Store satisfies it.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, a store.Activity) error
}

// Deps are the collaborators the built-in handlers need. Telegram may be nil,
// in which case SEND_TELEGRAM_MESSAGE is not registered.
type Deps struct {
	Mailer   Mailer
	Telegram BotSender
	Activity ActivityRecorder
	Logger   *logger.Logger
	// Product is the service name shown in the verification mail.
	Product string
}

// Register adds every built-in handler to b.
func Register(b *registry.Builder, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Mailer == nil {
		return fmt.Errorf("jobs: mailer is required")
	}

	handlers := map[string]registry.Handler{
		constants.EventSendVerificationEmail: NewVerificationEmailJob(deps),
		constants.EventSendPasswordResetLink: NewPasswordResetJob(deps),
	}
	if deps.Telegram != nil {
		handlers[constants.EventSendTelegramMessage] = NewTelegramJob(deps)
	}

	for event, h := range handlers {
		if err := b.Register(event, h); err != nil {
			return fmt.Errorf("failed to register %s: %w", event, err)
		}
	}
	return nil
}

// recordActivity writes an activity row inside the transaction carried by
// ctx. Without a transactional scope nothing is recorded.
func recordActivity(ctx context.Context, rec ActivityRecorder, event, subject string) error {
	if rec == nil {
		return nil
	}
	if _, ok := store.TxFromContext(ctx); !ok {
		return nil
	}
	return rec.RecordActivity(ctx, store.Activity{Event: event, Subject: subject, Status: "sent"})
}

// stringParam returns params[key] as a trimmed, NFC-normalised string.
func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}

	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidParam, key, raw)
	}

	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return s, nil
}

// emailParam is stringParam plus an address shape check.
func emailParam(params map[string]any, key string) (string, error) {
	s, err := stringParam(params, key)
	if err != nil {
		return "", err
	}
	if !emailPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %s is not an email address: %q", ErrInvalidParam, key, s)
	}
	return s, nil
}

// Package registry maps event identifiers to the handlers that process them.
//
// A Registry is assembled once at startup through a Builder and is read-only
// afterwards, so lookups from concurrent workers need no locking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wasilibs/go-re2"

	"github.com/aatumaykin/eventengine/internal/constants"
)

var (
	ErrInvalidEvent   = errors.New("invalid event identifier")
	ErrDuplicateEvent = errors.New("event already registered")
	ErrNilHandler     = errors.New("handler is nil")
)

var eventPattern = re2.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Handler processes the params of one event. A returned error (or a panic) is
// logged by the worker and the message is discarded.
type Handler interface {
	Handle(ctx context.Context, params map[string]any) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]any) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, params map[string]any) error {
	return f(ctx, params)
}

// ValidateEvent checks that event is a well-formed, registrable identifier.
func ValidateEvent(event string) error {
	if !eventPattern.MatchString(event) {
		return fmt.Errorf("%w: %q (expected %s)", ErrInvalidEvent, event, eventPattern.String())
	}
	if event == constants.EventHello {
		return fmt.Errorf("%w: %q is reserved for the liveness handshake", ErrInvalidEvent, event)
	}
	return nil
}

// Builder collects handler registrations. It is not safe for concurrent use.
type Builder struct {
	handlers map[string]Handler
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string]Handler)}
}

// Register binds event to h.
func (b *Builder) Register(event string, h Handler) error {
	if err := ValidateEvent(event); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, event)
	}
	if _, exists := b.handlers[event]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, event)
	}
	b.handlers[event] = h
	return nil
}

// RegisterFunc is Register for a plain function.
func (b *Builder) RegisterFunc(event string, fn func(ctx context.Context, params map[string]any) error) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, event)
	}
	return b.Register(event, HandlerFunc(fn))
}

// Build freezes the registrations. The builder may be reused; later
// registrations do not affect registries already built.
func (b *Builder) Build() *Registry {
	handlers := make(map[string]Handler, len(b.handlers))
	for event, h := range b.handlers {
		handlers[event] = h
	}
	return &Registry{handlers: handlers}
}

// Registry is an immutable event → handler table.
type Registry struct {
	handlers map[string]Handler
}

// Lookup returns the handler for event.
func (r *Registry) Lookup(event string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[event]
	return h, ok
}

// Events returns the registered event identifiers in sorted order.
func (r *Registry) Events() []string {
	if r == nil {
		return nil
	}
	events := make([]string, 0, len(r.handlers))
	for event := range r.handlers {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Len returns the number of registered events.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.handlers)
}

// Package message implements the engine's wire message: a JSON object carrying an
// event identifier, handler parameters and an optional delivery error counter.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("message decode failed")

// Message is a decoded unit of work.
type Message struct {
	Event      string
	Params     map[string]any
	ErrorCount int
}

// New creates a message for a brand-new logical request (no error count).
func New(event string, params map[string]any) Message {
	if params == nil {
		params = map[string]any{}
	}
	return Message{Event: event, Params: params}
}

// wireMessage is the JSON shape on the wire.
type wireMessage struct {
	Event      string         `json:"event"`
	Params     map[string]any `json:"params"`
	ErrorCount int            `json:"error_count,omitempty"`
}

// wireInput is used for decoding; pointer fields distinguish "absent" from zero.
type wireInput struct {
	Event       *string         `json:"event"`
	Params      json.RawMessage `json:"params"`
	ErrorCount  *int            `json:"error_count"`
	LegacyCount *int            `json:"__error_count__"`
}

// Encode serializes m to canonical UTF-8 JSON. Map keys are emitted in sorted order.
func Encode(m Message) ([]byte, error) {
	params := m.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(wireMessage{
		Event:      m.Event,
		Params:     params,
		ErrorCount: m.ErrorCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %q: %w", m.Event, err)
	}
	return data, nil
}

// Decode parses a wire payload. A missing event is not an error; the result then
// carries an empty Event. Params is never nil on success.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: top-level value is not a JSON object", ErrDecode)
	}

	var in wireInput
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	m := Message{Params: map[string]any{}}
	if in.Event != nil {
		m.Event = *in.Event
	}

	if p := bytes.TrimSpace(in.Params); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		if p[0] != '{' {
			return Message{}, fmt.Errorf("%w: params is not a JSON object", ErrDecode)
		}
		if err := json.Unmarshal(p, &m.Params); err != nil {
			return Message{}, fmt.Errorf("%w: params: %v", ErrDecode, err)
		}
	}

	count := 0
	if in.ErrorCount != nil {
		count = *in.ErrorCount
	}
	if in.LegacyCount != nil && *in.LegacyCount > count {
		count = *in.LegacyCount
	}
	if count < 0 {
		return Message{}, fmt.Errorf("%w: error_count must be non-negative, got %d", ErrDecode, count)
	}
	m.ErrorCount = count

	return m, nil
}

// IsHello reports whether m is a liveness probe.
func (m Message) IsHello(helloEvent string) bool {
	return m.Event == helloEvent
}

// Clone returns a copy of m with a shallow copy of Params.
func (m Message) Clone() Message {
	params := make(map[string]any, len(m.Params))
	for k, v := range m.Params {
		params[k] = v
	}
	return Message{Event: m.Event, Params: params, ErrorCount: m.ErrorCount}
}

// Envelope is a queued message. An empty Peer means local dispatch; a non-empty
// Peer (host:port) means the message must be re-delivered to that peer.
type Envelope struct {
	ID         string
	Message    Message
	Peer       string
	EnqueuedAt time.Time
}

// NewEnvelope wraps m with a fresh ID.
func NewEnvelope(m Message) Envelope {
	return Envelope{
		ID:         uuid.New().String(),
		Message:    m,
		EnqueuedAt: time.Now(),
	}
}

// NewResend wraps m for re-delivery to peer.
func NewResend(m Message, peer string) Envelope {
	env := NewEnvelope(m)
	env.Peer = peer
	return env
}

// IsResend reports whether the envelope targets a remote peer.
func (e Envelope) IsResend() bool {
	return e.Peer != ""
}

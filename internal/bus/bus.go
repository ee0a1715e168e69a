// Package bus mirrors transition-log events onto an external message bus so
// dashboards and other processes can follow a run without tailing the sink
// file.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const SchemaVersionV1 = "1"

const EventTypeTransition = "transition"

// EventEnvelope is the wire format shared by every backend.
type EventEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// TransitionPayload is the payload carried by transition events.
type TransitionPayload struct {
	Message string `json:"message"`
}

// NewTransitionEvent wraps one transition message in an envelope. The
// message arrives already sanitized and unredacted; the stream has the same
// trust level as the log sink.
func NewTransitionEvent(source string, message string, at time.Time) (EventEnvelope, error) {
	payload, err := json.Marshal(TransitionPayload{Message: message})
	if err != nil {
		return EventEnvelope{}, err
	}
	return EventEnvelope{
		SchemaVersion: SchemaVersionV1,
		Type:          EventTypeTransition,
		Source:        source,
		Timestamp:     at.UTC(),
		Payload:       payload,
	}, nil
}

func ParseEventEnvelope(raw []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("parse event envelope: %w", err)
	}
	if env.Type == "" {
		return EventEnvelope{}, fmt.Errorf("event envelope missing type")
	}
	return env, nil
}

type Bus interface {
	Publish(ctx context.Context, subject string, event EventEnvelope) error
	Subscribe(ctx context.Context, subject string) (<-chan EventEnvelope, func(), error)
	Close() error
}

// MemoryBus is an in-process Bus used by tests and by doctor mode. Slow
// subscribers drop events rather than block the publisher.
type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan EventEnvelope
	closed    bool
	closeOnce sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string][]chan EventEnvelope)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, event EventEnvelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	consumers := append([]chan EventEnvelope{}, b.channels[subject]...)
	b.mu.RUnlock()

	for _, ch := range consumers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, subject string) (<-chan EventEnvelope, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}
	ch := make(chan EventEnvelope, 32)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.channels[subject] = append(b.channels[subject], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.channels[subject]
		for i, candidate := range subscribers {
			if candidate == ch {
				b.channels[subject] = append(subscribers[:i], subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for subject, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, subject)
		}
		b.mu.Unlock()
	})
	return nil
}

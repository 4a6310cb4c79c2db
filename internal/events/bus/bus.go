// Package bus provides the per-session event fan-out used between the
// process manager, the session registry, and the RPC facade.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus. Data carries the JSON-encoded payload
// for the event's kind (see internal/events for the payload types).
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates an event with a fresh id and the payload JSON-encoded.
func NewEvent(kind, sessionID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode unmarshals the event payload into dst.
func (e *Event) Decode(dst any) error {
	return json.Unmarshal(e.Data, dst)
}

// Handler is invoked for each event delivered to a subscription.
// A handler error is logged by the bus; it never stops delivery to others.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription. Unsubscribe removes the
// handler exactly once; further calls are no-ops.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus routes events by exact key. For a single key, subscribers receive
// events in publish order; across keys no ordering is guaranteed.
type EventBus interface {
	Publish(ctx context.Context, key string, event *Event) error
	Subscribe(key string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

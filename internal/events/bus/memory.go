package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
)

// MemoryEventBus delivers events synchronously to exact-key subscribers and
// to `<kind>:*` wildcard subscribers. Delivery for a single key preserves
// publish order: Publish invokes every handler inline before returning. A
// panicking or failing handler is logged and the remaining subscribers still
// receive the event.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	key     string
	handler Handler
	mu      sync.Mutex
	active  bool
}

// Unsubscribe removes the subscription from the bus. Safe to call more than
// once; only the first call detaches the handler.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.key]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subscriptions[s.key]) == 0 {
		delete(s.bus.subscriptions, s.key)
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the event to every subscriber of the exact key, then to
// every `<kind>:*` subscriber, in registration order, before returning.
func (b *MemoryEventBus) Publish(ctx context.Context, key string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	// Snapshot so handlers may unsubscribe during delivery.
	subs := make([]*memorySubscription, 0, len(b.subscriptions[key]))
	subs = append(subs, b.subscriptions[key]...)
	if wildcard := wildcardKey(key); wildcard != "" && wildcard != key {
		subs = append(subs, b.subscriptions[wildcard]...)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		b.deliver(ctx, key, sub, event)
	}

	b.logger.Debug("published event",
		zap.String("key", key),
		zap.String("event_id", event.ID),
		zap.String("kind", event.Kind))
	return nil
}

// wildcardKey returns the `<kind>:*` form of a key, or "" when the key has
// no kind prefix.
func wildcardKey(key string) string {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return ""
	}
	return key[:idx] + ":*"
}

// deliver invokes one handler, isolating panics and errors from the caller
// and from the other subscribers.
func (b *MemoryEventBus) deliver(ctx context.Context, key string, sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("key", key),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("key", key),
			zap.Error(err))
	}
}

// Subscribe registers a handler for an exact key or a `<kind>:*` wildcard.
func (b *MemoryEventBus) Subscribe(key string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		key:     key,
		handler: handler,
		active:  true,
	}
	b.subscriptions[key] = append(b.subscriptions[key], sub)

	b.logger.Debug("subscribed", zap.String("key", key))
	return sub, nil
}

// Close deactivates all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

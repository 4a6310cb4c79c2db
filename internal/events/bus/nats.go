package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/config"
	"github.com/batondev/baton/internal/common/logger"
)

// subjectPrefix namespaces all bus keys on the shared NATS server.
const subjectPrefix = "baton.events."

// NATSEventBus implements EventBus over a NATS connection, for deployments
// where more than one baton process shares the event stream.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// subjectForKey maps a `<kind>:<sessionId>` bus key onto a NATS subject.
// The colon becomes a token separator so NATS tooling can filter by kind.
func subjectForKey(key string) string {
	return subjectPrefix + strings.ReplaceAll(key, ":", ".")
}

// NewNATSEventBus connects to NATS with reconnection handling.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSEventBus{conn: conn, logger: log, config: cfg}, nil
}

// Publish sends an event under the subject derived from the key.
func (b *NATSEventBus) Publish(ctx context.Context, key string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(subjectForKey(key), data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("key", key),
			zap.String("kind", event.Kind),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("published event",
		zap.String("key", key),
		zap.String("event_id", event.ID),
		zap.String("kind", event.Kind),
	)
	return nil
}

// Subscribe registers a handler for the subject derived from the key.
func (b *NATSEventBus) Subscribe(key string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectForKey(key), b.createMsgHandler(key, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	b.logger.Debug("subscribed", zap.String("key", key))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) createMsgHandler(key string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}

		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("key", key),
				zap.String("event_id", event.ID),
				zap.String("kind", event.Kind),
				zap.Error(err),
			)
		}
	}
}

// Close drains the NATS connection gracefully.
func (b *NATSEventBus) Close() {
	if b.conn != nil {
		// Drain processes pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

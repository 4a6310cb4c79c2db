package websocket

import (
	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events/bus"
)

// Provide creates the duplex RPC gateway.
func Provide(eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	return NewGateway(eventBus, log)
}

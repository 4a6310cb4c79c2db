package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/pkg/rpc"
)

// Gateway bundles the hub, the dispatcher, and the transport handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *rpc.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a gateway with all components initialized. Facades
// register their methods on the returned Dispatcher.
func NewGateway(eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	dispatcher := rpc.NewDispatcher()
	hub, err := NewHub(dispatcher, eventBus, log)
	if err != nil {
		return nil, err
	}
	handler := NewHandler(hub, log)

	registerHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}, nil
}

// SetupRoutes adds both transports to the gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
	router.POST("/rpc", g.Handler.HandleBatch)
}

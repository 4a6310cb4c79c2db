package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/pkg/rpc"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler terminates both transports: the websocket upgrade for the duplex
// connection and the single-shot POST endpoint.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a transport handler for the hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithComponent("ws_handler"),
	}
}

// HandleConnection upgrades HTTP to a duplex websocket connection.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// HandleBatch serves one call per HTTP POST. There is no server push on this
// transport, so capability arguments are rejected.
func (h *Handler) HandleBatch(c *gin.Context) {
	var frame rpc.Frame
	if err := c.ShouldBindJSON(&frame); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "body must be a JSON request frame",
		})
		return
	}
	if !frame.IsRequest() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "frame must carry an id and a method",
		})
		return
	}
	for _, arg := range frame.Args {
		if _, ok := rpc.DecodeCapRef(arg); ok {
			c.JSON(http.StatusOK, &rpc.Frame{
				ID:    frame.ID,
				Error: rpc.NewError(rpc.CodeUnsupported, "capability arguments require a duplex connection"),
			})
			return
		}
	}

	resp := h.hub.dispatcher.Dispatch(c.Request.Context(), &frame, nil)
	c.JSON(http.StatusOK, resp)
}

// registerHealthHandler answers health.check on both transports.
func registerHealthHandler(d *rpc.Dispatcher) {
	d.Register("health.check", func(_ context.Context, _ []json.RawMessage, _ rpc.CapInvoker) (any, error) {
		return gin.H{"status": "ok", "service": "baton"}, nil
	})
}

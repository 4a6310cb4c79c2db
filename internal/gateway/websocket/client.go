package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/pkg/rpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Inbound flood limit per connection
	inboundRate  = rate.Limit(100) // frames per second
	inboundBurst = 200
)

// Client is one duplex connection: it pumps frames both ways and carries the
// capability invoker for server-to-client callbacks.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	done          chan struct{} // closed by the hub on unregister
	limiter       *rate.Limiter
	subscriptions map[string]bool // Session ids whose status this client follows
	mu            sync.RWMutex
	logger        *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		done:          make(chan struct{}),
		limiter:       rate.NewLimiter(inboundRate, inboundBurst),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// InvokeCap sends a one-way capability invocation frame to this connection.
// It never blocks and never reports errors to the caller; a failing callback
// must not abort the sender.
func (c *Client) InvokeCap(capID, method string, args ...any) {
	wireArgs, err := rpc.MarshalArgs(args...)
	if err != nil {
		c.logger.Warn("failed to marshal callback args",
			zap.String("method", method),
			zap.Error(err))
		return
	}
	frame := &rpc.Frame{Cap: capID, Method: method, Args: wireArgs}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("failed to marshal callback frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// ReadPump pumps frames from the connection to the dispatcher. Requests on
// one connection are dispatched in arrival order.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		// Flood protection: a client pushing frames faster than the limit
		// slows itself down, not the hub.
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}

		var frame rpc.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}

		c.handleFrame(ctx, &frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame *rpc.Frame) {
	if !frame.IsRequest() {
		c.logger.Debug("ignoring non-request frame",
			zap.String("id", frame.ID),
			zap.String("method", frame.Method))
		return
	}

	c.logger.Debug("received request",
		zap.String("method", frame.Method),
		zap.String("id", frame.ID))

	// Status subscriptions need access to the connection, so they are
	// handled here rather than in the dispatcher.
	switch frame.Method {
	case "session.subscribe":
		c.handleSubscribe(frame, c.hub.SubscribeToStatus)
		return
	case "session.unsubscribe":
		c.handleSubscribe(frame, c.hub.UnsubscribeFromStatus)
		return
	}

	// Each request runs in its own goroutine so a long-lived call (a
	// callback send awaiting its terminal event) cannot stall the read
	// pump: an interrupt arriving on the same connection must still be
	// dispatched while the send is in flight. Responses may complete out
	// of order; callers correlate by id.
	go func() {
		c.sendFrame(c.hub.dispatcher.Dispatch(ctx, frame, c))
	}()
}

func (c *Client) handleSubscribe(frame *rpc.Frame, apply func(*Client, string)) {
	sessionID := "*"
	if len(frame.Args) > 0 {
		if err := json.Unmarshal(frame.Args[0], &sessionID); err != nil || sessionID == "" {
			c.sendFrame(&rpc.Frame{
				ID:    frame.ID,
				Error: rpc.NewError(rpc.CodeInvalidArgument, "session id must be a non-empty string"),
			})
			return
		}
	}
	apply(c, sessionID)
	c.sendFrame(&rpc.Frame{ID: frame.ID, Result: json.RawMessage(`true`)})
}

func (c *Client) sendFrame(frame *rpc.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue never blocks and never writes after the hub has released the
// connection: request handlers run in their own goroutines and may try to
// reply to a client that has already gone away.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

// WritePump pumps queued frames to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package websocket is the duplex RPC gateway: it upgrades connections,
// pumps frames between clients and the dispatcher, and pushes session status
// broadcasts to subscribed connections.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/batondev/baton/internal/common/logger"
	"github.com/batondev/baton/internal/events"
	"github.com/batondev/baton/internal/events/bus"
	"github.com/batondev/baton/pkg/rpc"
)

// statusMethod is the one-way frame carrying session status transitions.
const statusMethod = "session.status"

// Hub tracks all live connections and fans session status transitions out to
// the ones subscribed to them.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed per session id; "*" subscribes to every session.
	statusSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *rpc.Dispatcher
	bus        bus.EventBus
	statusSub  bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing requests through the dispatcher and watching
// the bus for status transitions.
func NewHub(dispatcher *rpc.Dispatcher, eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		clients:           make(map[*Client]bool),
		statusSubscribers: make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		dispatcher:        dispatcher,
		bus:               eventBus,
		logger:            log.WithComponent("ws_hub"),
	}

	sub, err := eventBus.Subscribe(events.Wildcard(events.KindStatus), h.onStatusEvent)
	if err != nil {
		return nil, err
	}
	h.statusSub = sub
	return h, nil
}

// Run processes client registration until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.statusSub != nil {
				_ = h.statusSub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.done)
		delete(h.clients, client)
	}
	h.statusSubscribers = make(map[string]map[*Client]bool)
}

// removeClient drops a client and every status subscription it holds, so no
// closure keeps the dead connection alive.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.done)

	for sessionID := range client.subscriptions {
		if clients, ok := h.statusSubscribers[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.statusSubscribers, sessionID)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// onStatusEvent pushes one session's status transition to its subscribers as
// a one-way frame.
func (h *Hub) onStatusEvent(_ context.Context, event *bus.Event) error {
	frame := &rpc.Frame{
		Method: statusMethod,
		Args:   []json.RawMessage{event.Data},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0)
	for client := range h.statusSubscribers[event.SessionID] {
		targets = append(targets, client)
	}
	for client := range h.statusSubscribers["*"] {
		if _, dup := h.statusSubscribers[event.SessionID][client]; !dup {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(data)
	}
	return nil
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeToStatus subscribes a client to one session's status transitions
// ("*" for all sessions).
func (h *Hub) SubscribeToStatus(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.statusSubscribers[sessionID]; !ok {
		h.statusSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.statusSubscribers[sessionID][client] = true
	client.subscriptions[sessionID] = true
}

// UnsubscribeFromStatus removes one client's status subscription.
func (h *Hub) UnsubscribeFromStatus(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, sessionID)
	if clients, ok := h.statusSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.statusSubscribers, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

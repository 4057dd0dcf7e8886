// Package websocket provides the fan-out gateway that pushes runtime events
// to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
	ws "github.com/conductor/conductor/pkg/websocket"
)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// Application-level keepalive. Protocol pings happen in the write pump;
	// these ping frames let browser clients that cannot see protocol pings
	// detect a dead server.
	pingInterval      time.Duration
	connectionTimeout time.Duration

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub. pingInterval controls the application ping frame
// cadence; clients whose send buffer stays saturated for connectionTimeout
// are evicted.
func NewHub(pingInterval, connectionTimeout time.Duration, log *logger.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if connectionTimeout <= 0 {
		connectionTimeout = 60 * time.Second
	}
	return &Hub{
		clients:           make(map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		broadcast:         make(chan []byte, 256),
		pingInterval:      pingInterval,
		connectionTimeout: connectionTimeout,
		logger:            log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.fanOut(data)

		case <-ticker.C:
			h.sendKeepalive()
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Welcome frame goes only to the new client.
	welcome, err := json.Marshal(ws.NewEvent(ws.EventConnectionEstablished, map[string]any{
		"client_id": client.ID,
	}))
	if err == nil {
		client.enqueue(welcome)
	}
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// fanOut delivers a serialized frame to every client. A client whose buffer
// has been full past the connection timeout is evicted after the pass.
func (h *Hub) fanOut(data []byte) {
	now := time.Now()
	var stale []*Client

	h.mu.RLock()
	for client := range h.clients {
		if client.enqueue(data) {
			continue
		}
		if client.saturatedSince(now, h.connectionTimeout) {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.logger.Warn("Evicting unresponsive client", zap.String("client_id", client.ID))
		h.removeClient(client)
		client.closeConn()
	}
}

// sendKeepalive broadcasts an application ping frame and reaps clients that
// have not drained their buffer within the connection timeout.
func (h *Hub) sendKeepalive() {
	ping, err := json.Marshal(ws.NewEvent(ws.EventPing, nil))
	if err != nil {
		return
	}
	h.fanOut(ping)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast serializes an event and fans it out to all connected clients.
// Frames are enqueued in call order per client.
func (h *Hub) Broadcast(event *ws.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast event", zap.Error(err))
		return
	}
	h.broadcast <- data
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

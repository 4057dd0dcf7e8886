package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
	ws "github.com/conductor/conductor/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// pongWait is how long to wait for a pong before the read deadline
	// trips; pingPeriod must stay below it so a healthy peer always has a
	// ping to answer. Both derive from the hub's connection timeout.
	pongWait   time.Duration
	pingPeriod time.Duration

	// fullSince records when the send buffer first rejected a frame; zero
	// while the client is keeping up.
	fullSince time.Time

	mu     sync.Mutex
	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	pongWait := 60 * time.Second
	if hub != nil && hub.connectionTimeout > 0 {
		pongWait = hub.connectionTimeout
	}
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue offers a frame to the client's send buffer without blocking.
// Returns false when the buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		c.mu.Lock()
		c.fullSince = time.Time{}
		c.mu.Unlock()
		return true
	default:
		c.mu.Lock()
		if c.fullSince.IsZero() {
			c.fullSince = time.Now()
		}
		c.mu.Unlock()
		return false
	}
}

// saturatedSince reports whether the send buffer has been full for longer
// than the given timeout.
func (c *Client) saturatedSince(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.fullSince.IsZero() && now.Sub(c.fullSince) > timeout
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ReadPump pumps inbound frames from the connection. Clients are mostly
// listeners; the only inbound frame the server reacts to is a ping, answered
// with a heartbeat.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var frame ws.Event
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Debug("Ignoring unparseable frame", zap.Error(err))
			continue
		}

		if frame.Type == ws.EventPing {
			if heartbeat, err := json.Marshal(ws.NewEvent(ws.EventHeartbeat, nil)); err == nil {
				c.enqueue(heartbeat)
			}
		}
	}
}

// WritePump pumps frames from the send buffer to the connection, batching
// queued frames and issuing protocol pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client actions accepted over the socket. Everything else is read-only
// push; mutations go through the HTTP surface.
const (
	ActionSubscribe   = "task.subscribe"
	ActionUnsubscribe = "task.unsubscribe"
)

type clientMessage struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

// Client is one websocket connection, confined to its tenant. With no
// explicit subscriptions it receives every frame for the tenant; after the
// first subscribe, task frames are limited to the subscribed set.
type Client struct {
	ID       string
	TenantID string

	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu            sync.RWMutex
	subscriptions map[string]bool
}

func NewClient(id, tenantID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		TenantID:      tenantID,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) wants(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[taskID]
}

// ReadPump consumes subscription messages until the peer disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.TaskID == "" {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case ActionSubscribe:
			c.subscriptions[msg.TaskID] = true
		case ActionUnsubscribe:
			delete(c.subscriptions, msg.TaskID)
		}
		c.mu.Unlock()
	}
}

// WritePump drains the send channel onto the wire, keeping the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// Package websocket pushes live task and session updates to connected
// clients. It bridges the internal bus to per-client websocket connections;
// workers never use this surface, they have the push stream.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
)

// Frame is one JSON message written to a client.
type Frame struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// envelope pairs a frame with its tenant before fan-out; the tenant never
// reaches the wire.
type envelope struct {
	tenantID string
	taskID   string
	frame    *Frame
}

// Hub owns all client connections and fans bus events out to them.
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *envelope

	subs   []bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus:   eventBus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *envelope, 256),
		logger:     log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Start subscribes to the bus subjects clients care about and runs the
// fan-out loop until Stop.
func (h *Hub) Start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	subjects := []string{
		events.TaskUpdated,
		events.TaskClaimed,
		events.SessionCreated + ".*",
		events.SessionEnded + ".*",
		events.WorkerExpired,
		events.CronFired,
	}
	for _, subject := range subjects {
		sub, err := h.eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			h.enqueue(event)
			return nil
		})
		if err != nil {
			cancel()
			return err
		}
		h.subs = append(h.subs, sub)
	}

	go h.run(runCtx)
	return nil
}

// Stop disconnects every client and stops the loop.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.done != nil {
		<-h.done
	}
}

// Register attaches a connected client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister detaches a client and closes its send channel.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueue(event *bus.Event) {
	data := make(map[string]interface{}, len(event.Data))
	tenantID := ""
	for k, v := range event.Data {
		if k == "tenant_id" {
			tenantID, _ = v.(string)
			continue
		}
		data[k] = v
	}
	taskID, _ := data["task_id"].(string)

	select {
	case h.broadcast <- &envelope{tenantID: tenantID, taskID: taskID, frame: &Frame{Type: event.Type, Data: data}}:
	default:
		h.logger.Warn("gateway broadcast buffer full, frame dropped",
			zap.String("type", event.Type))
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("gateway client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.remove(client)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env *envelope) {
	payload, err := json.Marshal(env.frame)
	if err != nil {
		h.logger.Error("frame marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if env.tenantID != "" && client.TenantID != env.tenantID {
			continue
		}
		if env.taskID != "" && !client.wants(env.taskID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow consumer; drop the frame rather than block fan-out.
			h.logger.Debug("gateway client buffer full",
				zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("gateway client disconnected", zap.String("client_id", client.ID))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

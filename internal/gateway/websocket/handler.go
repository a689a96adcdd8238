package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/tenant"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to websocket connections and hands them to
// the hub.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// RegisterRoutes mounts the websocket endpoint on a tenant-scoped group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/ws", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	scope := tenant.FromContext(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), scope.TenantID(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

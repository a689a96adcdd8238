package session

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

type SessionHandlers struct {
	service *Service
	logger  *logger.Logger
}

func NewSessionHandlers(svc *Service, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterRoutes mounts the session endpoints on a tenant-scoped group.
func (h *SessionHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/sessions/:id/end", h.endSession)
	api.GET("/sessions/:id/worker", h.workerStatus)
}

func (h *SessionHandlers) createSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandlers) getSession(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandlers) listSessions(c *gin.Context) {
	sessions, err := h.service.List(c.Request.Context(), v1.SessionStatus(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func (h *SessionHandlers) endSession(c *gin.Context) {
	session, err := h.service.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandlers) workerStatus(c *gin.Context) {
	state, err := h.service.WorkerStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "state": state})
}

func (h *SessionHandlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("session request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}

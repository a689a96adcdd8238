// Package codebase exposes the codebase registry endpoints. Codebases are
// opaque workspace identifiers; only the owning worker interprets the path.
package codebase

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/store"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

type CodebaseHandlers struct {
	store  store.Store
	logger *logger.Logger
}

func NewCodebaseHandlers(st store.Store, log *logger.Logger) *CodebaseHandlers {
	return &CodebaseHandlers{
		store:  st,
		logger: log.WithFields(zap.String("component", "codebase-handlers")),
	}
}

// RegisterRoutes mounts the codebase endpoints on a tenant-scoped group.
func (h *CodebaseHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.PUT("/codebases", h.upsertCodebase)
	api.GET("/codebases", h.listCodebases)
	api.GET("/codebases/:id", h.getCodebase)
	api.DELETE("/codebases/:id", h.deleteCodebase)
}

func (h *CodebaseHandlers) upsertCodebase(c *gin.Context) {
	var req v1.UpsertCodebaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	codebase := &v1.Codebase{
		ID:       req.ID,
		Name:     req.Name,
		Path:     req.Path,
		WorkerID: req.WorkerID,
		Status:   v1.CodebaseStatusActive,
	}
	if err := h.store.UpsertCodebase(c.Request.Context(), codebase); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, codebase)
}

func (h *CodebaseHandlers) getCodebase(c *gin.Context) {
	codebase, err := h.store.GetCodebase(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, codebase)
}

func (h *CodebaseHandlers) listCodebases(c *gin.Context) {
	codebases, err := h.store.ListCodebases(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"codebases": codebases, "total": len(codebases)})
}

func (h *CodebaseHandlers) deleteCodebase(c *gin.Context) {
	if err := h.store.DeleteCodebase(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CodebaseHandlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("codebase request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TaskStopper cancels all in-flight conversation work; the messaging
// handler implements it.
type TaskStopper interface {
	StopAllTasks(ctx context.Context) int
}

// SessionStopper is the fallback when messaging is not wired: it stops CLI
// subprocesses without touching conversation state.
type SessionStopper interface {
	StopAll() int
}

// SystemHandler serves the operational endpoints: model catalog, root,
// health, and stop.
type SystemHandler struct {
	catalog  *ModelCatalog
	tasks    TaskStopper
	sessions SessionStopper
	model    string
	logger   *zap.Logger
}

func NewSystemHandler(catalog *ModelCatalog, tasks TaskStopper, sessions SessionStopper, model string, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		catalog:  catalog,
		tasks:    tasks,
		sessions: sessions,
		model:    model,
		logger:   logger,
	}
}

// ListModels handles GET /v1/models from the catalog file.
func (h *SystemHandler) ListModels(c *gin.Context) {
	data := h.catalog.Data()
	if data == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "model catalog not found"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// Root handles GET /.
func (h *SystemHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": "nvidia_nim",
		"model":    h.model,
	})
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// StopCLI handles POST /stop: cancel every conversation task, or at least
// stop the CLI subprocesses when messaging is not running.
func (h *SystemHandler) StopCLI(c *gin.Context) {
	if h.tasks != nil {
		count := h.tasks.StopAllTasks(c.Request.Context())
		h.logger.Info("Stop requested over HTTP", zap.Int("cancelled", count))
		c.JSON(http.StatusOK, gin.H{"status": "stopped", "cancelled_count": count})
		return
	}
	if h.sessions != nil {
		h.sessions.StopAll()
		h.logger.Info("Stop requested over HTTP, sessions only")
		c.JSON(http.StatusOK, gin.H{"status": "stopped", "source": "cli_manager"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "messaging system not initialized"})
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/throttlekit/throttled/internal/ratelimit"
	"gorm.io/gorm"
)

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	db      *gorm.DB
	manager *ratelimit.Manager
}

// NewHealthHandler constructs a HealthHandler. db may be nil.
func NewHealthHandler(db *gorm.DB, manager *ratelimit.Manager) *HealthHandler {
	return &HealthHandler{db: db, manager: manager}
}

// Healthz reports liveness and, when configured, whether the policy database answers.
func (h *HealthHandler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.manager != nil {
		settings := h.manager.Settings()
		body["backend"] = settings.Backend
		body["failure_mode"] = settings.FailureMode
		body["policies"] = len(h.manager.Registry().List())
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, errDB := h.db.DB()
		if errDB == nil {
			errDB = sqlDB.PingContext(ctx)
		}
		if errDB != nil {
			body["status"] = "degraded"
			body["database"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

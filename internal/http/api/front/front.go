package front

import (
	"github.com/gin-gonic/gin"
	"github.com/throttlekit/throttled/internal/http/api/front/handlers"
	"github.com/throttlekit/throttled/internal/ratelimit"
)

// RegisterFrontRoutes registers the admission routes.
func RegisterFrontRoutes(r *gin.Engine, manager *ratelimit.Manager) {
	if r == nil || manager == nil {
		return
	}
	limitHandler := handlers.NewLimitHandler(manager)
	v1 := r.Group("/v1")
	v1.POST("/acquire", limitHandler.Acquire)
	v1.POST("/peek", limitHandler.Peek)
	v1.POST("/reset", limitHandler.Reset)
}

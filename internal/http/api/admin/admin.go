package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/throttlekit/throttled/internal/config"
	handlers "github.com/throttlekit/throttled/internal/http/api/admin/handlers"
	"github.com/throttlekit/throttled/internal/http/api/admin/permissions"
	"github.com/throttlekit/throttled/internal/ratelimit"
	"github.com/throttlekit/throttled/internal/security"
	"github.com/throttlekit/throttled/internal/watcher"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers health and admin policy routes. The admin group is only
// mounted when a JWT secret is configured. db may be nil.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, manager *ratelimit.Manager, service *watcher.PolicyService, jwtCfg config.JWTConfig) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db, manager)
	r.GET("/healthz", healthHandler.Healthz)

	if strings.TrimSpace(jwtCfg.Secret) == "" || service == nil {
		return
	}

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(jwtCfg))
	authed.Use(adminPermissionMiddleware())

	policyHandler := handlers.NewPolicyHandler(service)
	authed.GET("/policies", policyHandler.List)
	authed.GET("/policies/*name", policyHandler.Get)
	authed.PUT("/policies/*name", policyHandler.Put)
	authed.DELETE("/policies/*name", policyHandler.Delete)

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)
}

// adminAuthMiddleware validates admin JWTs and loads admin context.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("adminSubject", claims.Subject)
		c.Set("adminPermissions", permissions.NormalizePermissions(claims.Permissions))
		c.Set("adminIsSuperAdmin", claims.IsSuperAdmin)
		c.Next()
	}
}

// adminPermissionMiddleware checks the route's permission key against the token.
func adminPermissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool("adminIsSuperAdmin") {
			c.Next()
			return
		}
		perms, _ := c.Get("adminPermissions")
		granted, _ := perms.([]string)
		if !permissions.HasPermission(granted, permissions.Key(c.Request.Method, c.FullPath())) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}

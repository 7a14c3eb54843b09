package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ovpnhub/accessd/internal/http/handlers"
	"github.com/ovpnhub/accessd/internal/security"
)

// RouterDeps bundles the handlers wired into the HTTP surface.
type RouterDeps struct {
	Activation *handlers.ActivationHandler
	Webhook    *handlers.WebhookHandler
	Admin      *handlers.AdminHandler
	Health     *handlers.HealthHandler
	JWTSecret  string
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", deps.Health.Healthz)

	v0 := engine.Group("/v0")
	{
		v0.POST("/activation", deps.Activation.Activate)
		v0.POST("/cancellation", deps.Activation.Cancel)
		v0.POST("/payments/webhook", deps.Webhook.Handle)
		v0.POST("/admin/login", deps.Admin.Login)

		admin := v0.Group("/admin", OperatorAuthMiddleware(deps.JWTSecret))
		{
			admin.POST("/pool/seed", deps.Admin.SeedPool)
			admin.GET("/pool/counts", deps.Admin.PoolCounts)
			admin.POST("/credentials/:id/ban", deps.Admin.BanCredential)
		}
	}

	return engine
}

// OperatorAuthMiddleware authenticates operator requests via bearer JWT.
func OperatorAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if _, errParse := security.ParseOperatorToken(secret, token); errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

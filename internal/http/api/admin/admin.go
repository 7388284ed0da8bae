package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	handlers "github.com/prismhq/prism/internal/http/api/admin/handlers"
	"github.com/prismhq/prism/internal/ledger"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/profile"
	"github.com/prismhq/prism/internal/proxyserver"
	internalsettings "github.com/prismhq/prism/internal/settings"
	"github.com/prismhq/prism/internal/stats"
	"gorm.io/gorm"
)

// Deps holds the components the admin surface drives.
type Deps struct {
	DB       *gorm.DB
	Profiles *profile.Store
	Ledger   *ledger.Ledger
	Stats    *stats.Aggregator
	Proxy    *proxyserver.Manager
	Configs  proxyserver.ConfigStore
	Settings *internalsettings.Store
	Metrics  *metrics.Collector
	// Token, when set, must be presented as a Bearer token on /v0/admin.
	Token string
	// StatsInterval controls the stats-update push period of the event streams.
	StatsInterval time.Duration
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	adminGroup := r.Group("/v0/admin")
	authed := adminGroup.Group("")
	authed.Use(adminAuthMiddleware(deps.Token))

	profileHandler := handlers.NewProfileHandler(deps.Profiles)
	authed.GET("/profiles", profileHandler.List)
	authed.POST("/profiles", profileHandler.Create)
	authed.GET("/profiles/:id", profileHandler.Get)
	authed.PUT("/profiles/:id", profileHandler.Update)
	authed.DELETE("/profiles/:id", profileHandler.Delete)
	authed.POST("/profiles/:id/activate", profileHandler.Activate)

	logHandler := handlers.NewLogHandler(deps.Ledger)
	authed.GET("/logs", logHandler.List)
	authed.GET("/logs/:requestId", logHandler.Get)

	statsHandler := handlers.NewStatsHandler(deps.Stats)
	authed.GET("/stats/dashboard", statsHandler.Dashboard)
	authed.GET("/stats/tokens", statsHandler.Tokens)
	authed.GET("/stats/ranking", statsHandler.Ranking)

	proxyHandler := handlers.NewProxyHandler(deps.Proxy, deps.Configs, deps.Settings)
	authed.GET("/proxy/config", proxyHandler.GetConfig)
	authed.PUT("/proxy/config", proxyHandler.UpdateConfig)
	authed.GET("/proxy/status", proxyHandler.Status)
	authed.POST("/proxy/restart", proxyHandler.Restart)
	authed.GET("/proxy/api-key", proxyHandler.GetAPIKey)
	authed.POST("/proxy/api-key/refresh", proxyHandler.RefreshAPIKey)
	authed.GET("/proxy/auth", proxyHandler.GetAuth)
	authed.PUT("/proxy/auth", proxyHandler.UpdateAuth)

	settingHandler := handlers.NewSettingHandler(deps.Settings)
	authed.GET("/settings", settingHandler.List)
	authed.GET("/settings/:key", settingHandler.Get)
	authed.PUT("/settings/:key", settingHandler.Update)

	eventHandler := handlers.NewEventHandler(deps.Ledger.Broker(), deps.Stats, deps.StatsInterval)
	authed.GET("/events", eventHandler.SSE)
	authed.GET("/ws", eventHandler.WebSocket)
}

// adminAuthMiddleware checks the static admin token. An empty token disables the check.
func adminAuthMiddleware(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		provided := strings.TrimSpace(c.Query("token")) // EventSource and WebSocket clients
		if authHeader != "" {
			bearer := strings.TrimPrefix(authHeader, "Bearer ")
			if bearer == authHeader {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
				return
			}
			provided = strings.TrimSpace(bearer)
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prismhq/prism/internal/proxyserver"
	internalsettings "github.com/prismhq/prism/internal/settings"
	log "github.com/sirupsen/logrus"
)

// restartTimeout bounds a restart triggered from the admin surface.
const restartTimeout = 30 * time.Second

// ProxyHandler exposes proxy lifecycle, bind config and client auth settings.
type ProxyHandler struct {
	manager  *proxyserver.Manager
	configs  proxyserver.ConfigStore
	settings *internalsettings.Store
}

// NewProxyHandler constructs a proxy handler.
func NewProxyHandler(manager *proxyserver.Manager, configs proxyserver.ConfigStore, settings *internalsettings.Store) *ProxyHandler {
	return &ProxyHandler{manager: manager, configs: configs, settings: settings}
}

// GetConfig returns the configured bind address.
func (h *ProxyHandler) GetConfig(c *gin.Context) {
	cfg, ok, errLoad := h.configs.LoadProxyConfig(c.Request.Context())
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if !ok {
		cfg = h.manager.Config()
		if cfg.Host == "" {
			cfg = proxyserver.DefaultConfig()
		}
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig validates, persists and applies a new bind address.
// The config is persisted even when the bind fails so the next start uses it.
func (h *ProxyHandler) UpdateConfig(c *gin.Context) {
	var body proxyserver.Config
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errValidate := body.Validate(); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	if errSave := h.configs.SaveProxyConfig(c.Request.Context(), body); errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	h.restart(c, body)
}

// Restart rebinds the current config.
func (h *ProxyHandler) Restart(c *gin.Context) {
	cfg, ok, errLoad := h.configs.LoadProxyConfig(c.Request.Context())
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if !ok {
		cfg = h.manager.Config()
	}
	if cfg.Host == "" {
		cfg = proxyserver.DefaultConfig()
	}
	h.restart(c, cfg)
}

// Status returns the lifecycle snapshot.
func (h *ProxyHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

func (h *ProxyHandler) restart(c *gin.Context, cfg proxyserver.Config) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), restartTimeout)
	defer cancel()
	errRestart := h.manager.Restart(ctx, cfg)
	if errRestart == nil {
		c.JSON(http.StatusOK, h.manager.Status())
		return
	}
	var cfgErr *proxyserver.ConfigError
	var bindErr *proxyserver.BindError
	switch {
	case errors.As(errRestart, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": cfgErr.Error()})
	case errors.As(errRestart, &bindErr):
		c.JSON(http.StatusConflict, gin.H{"error": bindErr.Error(), "status": h.manager.Status()})
	default:
		log.WithError(errRestart).Error("admin: proxy restart failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restart failed", "status": h.manager.Status()})
	}
}

// GetAPIKey returns the key proxy clients present when auth is enabled.
func (h *ProxyHandler) GetAPIKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"apiKey": h.settings.ProxyAPIKey()})
}

// RefreshAPIKey rotates the proxy API key.
func (h *ProxyHandler) RefreshAPIKey(c *gin.Context) {
	key, errRefresh := h.settings.RefreshProxyAPIKey(c.Request.Context())
	if errRefresh != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"apiKey": key})
}

// updateAuthRequest toggles proxy client authentication.
type updateAuthRequest struct {
	Enabled *bool `json:"enabled"`
}

// GetAuth reports whether proxy clients must authenticate.
func (h *ProxyHandler) GetAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.settings.AuthEnabled()})
}

// UpdateAuth enables or disables proxy client authentication.
// Enabling without a key generates one first.
func (h *ProxyHandler) UpdateAuth(c *gin.Context) {
	var body updateAuthRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	if *body.Enabled && h.settings.ProxyAPIKey() == "" {
		if _, errRefresh := h.settings.RefreshProxyAPIKey(ctx); errRefresh != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}
	}
	if errSet := h.settings.Set(ctx, internalsettings.EnableAuthKey, *body.Enabled); errSet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *body.Enabled})
}

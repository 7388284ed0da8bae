package relay

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// authMiddleware enforces the proxy API key when auth is enabled.
// The key is accepted as a Bearer token or in x-api-key.
func (r *Relay) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.settings == nil || !r.settings.AuthEnabled() {
			c.Next()
			return
		}
		expected := r.settings.ProxyAPIKey()
		presented := presentedKey(c.Request)
		if expected == "" || presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			log.Warnf("relay: rejected request from %s: invalid api key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func presentedKey(req *http.Request) string {
	if auth := strings.TrimSpace(req.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	return strings.TrimSpace(req.Header.Get("X-Api-Key"))
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(began).Round(time.Millisecond).String(),
		}).Info("proxy request")
	}
}

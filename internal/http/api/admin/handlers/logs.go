package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prismhq/prism/internal/ledger"
)

// LogHandler serves request ledger pages.
type LogHandler struct {
	ledger *ledger.Ledger
}

// NewLogHandler constructs a log handler.
func NewLogHandler(l *ledger.Ledger) *LogHandler {
	return &LogHandler{ledger: l}
}

// List returns ledger entries most recent first. limit defaults to and is capped at 100.
func (h *LogHandler) List(c *gin.Context) {
	limit, okLimit := queryInt(c, "limit", ledger.DefaultListLimit)
	offset, okOffset := queryInt(c, "offset", 0)
	if !okLimit || !okOffset {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pagination"})
		return
	}
	entries, errList := h.ledger.List(c.Request.Context(), limit, offset)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "limit": clampLimit(limit), "offset": offset})
}

// Get returns one entry by request id.
func (h *LogHandler) Get(c *gin.Context) {
	entry, errGet := h.ledger.Get(c.Request.Context(), strings.TrimSpace(c.Param("requestId")))
	if errGet != nil {
		if errors.Is(errGet, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > ledger.MaxListLimit {
		return ledger.MaxListLimit
	}
	return limit
}

// queryInt parses a non-negative integer query parameter.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, true
	}
	parsed, errParse := strconv.Atoi(raw)
	if errParse != nil || parsed < 0 {
		return 0, false
	}
	return parsed, true
}

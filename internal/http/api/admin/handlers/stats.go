package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prismhq/prism/internal/stats"
)

// StatsHandler serves dashboard counters and token series.
type StatsHandler struct {
	agg *stats.Aggregator
}

// NewStatsHandler constructs a stats handler.
func NewStatsHandler(agg *stats.Aggregator) *StatsHandler {
	return &StatsHandler{agg: agg}
}

// Dashboard returns today and all-time request and token totals.
func (h *StatsHandler) Dashboard(c *gin.Context) {
	out, errStats := h.agg.Dashboard(c.Request.Context())
	if errStats != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// Tokens returns the zero-filled token series for ?range (default day).
func (h *StatsHandler) Tokens(c *gin.Context) {
	raw := c.DefaultQuery("range", string(stats.RangeDay))
	r, errRange := stats.ParseRange(raw)
	if errRange != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	points, errStats := h.agg.TokenStats(c.Request.Context(), r)
	if errStats != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": r, "points": points})
}

// Ranking returns profile consumption for ?range (empty means all time) and ?limit.
func (h *StatsHandler) Ranking(c *gin.Context) {
	var r stats.Range
	if raw := strings.TrimSpace(c.Query("range")); raw != "" {
		parsed, errRange := stats.ParseRange(raw)
		if errRange != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		r = parsed
	}
	limit, okLimit := queryInt(c, "limit", stats.DefaultRankingLimit)
	if !okLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	ranking, errStats := h.agg.Ranking(c.Request.Context(), r, limit)
	if errStats != nil {
		if errors.Is(errStats, stats.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ranking": ranking})
}

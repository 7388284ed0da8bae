package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prismhq/prism/internal/ledger"
	"github.com/prismhq/prism/internal/stats"
	log "github.com/sirupsen/logrus"
)

const (
	// EventStatsUpdate carries a dashboard snapshot.
	EventStatsUpdate = "stats-update"
	// DefaultStatsInterval is how often stats-update is pushed.
	DefaultStatsInterval = 5 * time.Second

	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// envelope is the websocket frame shape.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// EventHandler streams ledger events and periodic stats to admin clients.
type EventHandler struct {
	broker   *ledger.Broker
	agg      *stats.Aggregator
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewEventHandler constructs an event handler. interval <= 0 uses DefaultStatsInterval.
func NewEventHandler(broker *ledger.Broker, agg *stats.Aggregator, interval time.Duration) *EventHandler {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	return &EventHandler{
		broker:   broker,
		agg:      agg,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The admin surface binds loopback; any local origin may attach.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SSE streams events as text/event-stream.
func (h *EventHandler) SSE(c *gin.Context) {
	sub := h.broker.Subscribe(0)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	h.pushStats(ctx, func(name string, payload any) error {
		c.SSEvent(name, payload)
		return nil
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
			for _, ev := range sub.Drain() {
				c.SSEvent(string(ev.Kind), ev.Entry)
			}
			c.Writer.Flush()
		case <-ticker.C:
			h.pushStats(ctx, func(name string, payload any) error {
				c.SSEvent(name, payload)
				return nil
			})
			c.Writer.Flush()
		}
	}
}

// WebSocket streams events as JSON envelopes over a websocket.
func (h *EventHandler) WebSocket(c *gin.Context) {
	conn, errUpgrade := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if errUpgrade != nil {
		log.WithError(errUpgrade).Debug("admin: websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.broker.Subscribe(0)
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the peer going away; inbound frames are ignored.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		}
	}()

	write := func(name string, payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(envelope{Event: name, Payload: payload})
	}
	if errWrite := h.pushStats(ctx, write); errWrite != nil {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-sub.Notify():
			for _, ev := range sub.Drain() {
				if errWrite := write(string(ev.Kind), ev.Entry); errWrite != nil {
					return
				}
			}
		case <-ticker.C:
			if errPing := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); errPing != nil {
				return
			}
			if errWrite := h.pushStats(ctx, write); errWrite != nil {
				return
			}
		}
	}
}

// pushStats sends a stats-update. Query failures are logged and skipped.
func (h *EventHandler) pushStats(ctx context.Context, send func(name string, payload any) error) error {
	if h.agg == nil {
		return nil
	}
	dashboard, errStats := h.agg.Dashboard(ctx)
	if errStats != nil {
		if ctx.Err() == nil {
			log.WithError(errStats).Warn("admin: stats update failed")
		}
		return nil
	}
	return send(EventStatsUpdate, dashboard)
}

// Package metrics holds the Prometheus collectors for the proxy core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prism"

// Collector owns a registry and every metric the process exports.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
	ledgerDropped    prometheus.Counter
	ledgerErrors     prometheus.Counter
	subscriberDrops  prometheus.Counter
	proxyRunning     prometheus.Gauge
	proxyRestarts    prometheus.Counter
	rateLimitRejects prometheus.Counter
	retentionDeleted prometheus.Counter
}

// New registers the collectors on registry, or on a fresh one when nil.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by provider, model mode and status class.",
		}, []string{"provider", "mode", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxied request duration.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "stream"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "tokens_total",
			Help:      "Tokens reported by upstream responses.",
		}, []string{"provider", "kind"}),
		ledgerDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "recorder_dropped_total",
			Help:      "Ledger writes dropped because the recorder queue was full.",
		}),
		ledgerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_errors_total",
			Help:      "Ledger writes that failed.",
		}),
		subscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "subscriber_dropped_total",
			Help:      "Events discarded from slow subscriber queues.",
		}),
		proxyRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "running",
			Help:      "1 when the proxy listener is serving.",
		}),
		proxyRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "restarts_total",
			Help:      "Successful proxy listener starts.",
		}),
		rateLimitRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		retentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Request log rows removed by retention cleanup.",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished proxied request.
func (c *Collector) ObserveRequest(provider, mode string, statusCode int, stream bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(provider, mode, statusClass(statusCode)).Inc()
	c.requestDuration.WithLabelValues(provider, strconv.FormatBool(stream)).Observe(duration.Seconds())
}

// AddTokens adds reported token counts for provider.
func (c *Collector) AddTokens(provider string, input, output, cacheCreation, cacheRead int64) {
	if c == nil {
		return
	}
	add := func(kind string, n int64) {
		if n > 0 {
			c.tokens.WithLabelValues(provider, kind).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_creation", cacheCreation)
	add("cache_read", cacheRead)
}

// LedgerDropped counts a recorder write dropped on a full queue.
func (c *Collector) LedgerDropped() {
	if c == nil {
		return
	}
	c.ledgerDropped.Inc()
}

// LedgerError counts a failed ledger write.
func (c *Collector) LedgerError() {
	if c == nil {
		return
	}
	c.ledgerErrors.Inc()
}

// SubscriberDropped counts events discarded from a subscriber queue.
func (c *Collector) SubscriberDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.subscriberDrops.Add(float64(n))
}

// ProxyRunning sets the listener gauge.
func (c *Collector) ProxyRunning(running bool) {
	if c == nil {
		return
	}
	if running {
		c.proxyRunning.Set(1)
		return
	}
	c.proxyRunning.Set(0)
}

// ProxyStarted counts a successful listener start.
func (c *Collector) ProxyStarted() {
	if c == nil {
		return
	}
	c.proxyRestarts.Inc()
}

// RateLimited counts a rejected request.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimitRejects.Inc()
}

// RetentionDeleted adds rows removed by a cleanup run.
func (c *Collector) RetentionDeleted(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.retentionDeleted.Add(float64(n))
}

func statusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

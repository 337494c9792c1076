package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webhook_dispatcher"

// Metrics stores Prometheus collectors used by the API, bus and hook flows.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	busBindings         prometheus.Gauge
	busMessagesTotal    *prometheus.CounterVec
	hooksTotal          *prometheus.CounterVec
	hookDuration        *prometheus.HistogramVec
	hookInflight        *prometheus.GaugeVec
	retryScheduledTotal *prometheus.CounterVec
	hookLogDroppedTotal *prometheus.CounterVec
	logsPurgedTotal     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		busBindings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_bindings",
				Help:      "Number of distinct broker bindings held by the bus consumer.",
			},
		),
		busMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_messages_total",
				Help:      "Bus messages consumed grouped by outcome.",
			},
			[]string{"outcome"},
		),
		hooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hooks_total",
				Help:      "Hook attempts grouped by backend and resulting status.",
			},
			[]string{"backend", "status"},
		),
		hookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_duration_seconds",
				Help:      "Backend delivery duration in seconds grouped by backend.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"backend"},
		),
		hookInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hook_inflight",
				Help:      "Current number of in-flight hook attempts grouped by backend.",
			},
			[]string{"backend"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of hook attempts scheduled for retry.",
			},
			[]string{"backend"},
		),
		hookLogDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_log_dropped_total",
				Help:      "Hook log rows that could not be persisted.",
			},
			[]string{"backend"},
		),
		logsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_logs_purged_total",
				Help:      "Hook log rows removed by the retention purge.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.busBindings,
		m.busMessagesTotal,
		m.hooksTotal,
		m.hookDuration,
		m.hookInflight,
		m.retryScheduledTotal,
		m.hookLogDroppedTotal,
		m.logsPurgedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) SetBusBindings(n int) {
	if m == nil {
		return
	}
	m.busBindings.Set(float64(n))
}

func (m *Metrics) IncBusMessage(outcome string) {
	if m == nil {
		return
	}
	m.busMessagesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncHook(backend string, status string) {
	if m == nil {
		return
	}
	m.hooksTotal.WithLabelValues(normalizeLabel(backend), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveHookDuration(backend string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.hookDuration.WithLabelValues(normalizeLabel(backend)).Observe(seconds)
}

func (m *Metrics) IncHookInFlight(backend string) {
	if m == nil {
		return
	}
	m.hookInflight.WithLabelValues(normalizeLabel(backend)).Inc()
}

func (m *Metrics) DecHookInFlight(backend string) {
	if m == nil {
		return
	}
	m.hookInflight.WithLabelValues(normalizeLabel(backend)).Dec()
}

func (m *Metrics) IncRetryScheduled(backend string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(backend)).Inc()
}

func (m *Metrics) IncHookLogDropped(backend string) {
	if m == nil {
		return
	}
	m.hookLogDroppedTotal.WithLabelValues(normalizeLabel(backend)).Inc()
}

func (m *Metrics) AddLogsPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.logsPurgedTotal.Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

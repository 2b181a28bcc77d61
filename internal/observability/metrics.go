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

// Metrics stores Prometheus collectors used by API, dispatcher, and webhook flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	jobsEnqueuedTotal   *prometheus.CounterVec
	jobsSentTotal       *prometheus.CounterVec
	jobsFailedTotal     *prometheus.CounterVec
	jobsSuppressedTotal *prometheus.CounterVec
	retryScheduledTotal *prometheus.CounterVec
	deadLetterTotal     *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	dispatchInflight    prometheus.Gauge
	queueDepth          *prometheus.GaugeVec
	webhookEventsTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailrelay",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		jobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "jobs_enqueued_total",
				Help:      "Total number of email jobs accepted into the queue.",
			},
			[]string{"template_kind", "priority"},
		),
		jobsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "jobs_sent_total",
				Help:      "Total number of email jobs delivered successfully.",
			},
			[]string{"template_kind"},
		),
		jobsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "jobs_failed_total",
				Help:      "Total number of email jobs that ended in failed state.",
			},
			[]string{"template_kind", "failure_kind"},
		),
		jobsSuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "jobs_suppressed_total",
				Help:      "Total number of recipients added to the suppression list.",
			},
			[]string{"reason"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "retry_scheduled_total",
				Help:      "Total number of email jobs rescheduled for retry.",
			},
			[]string{"failure_kind"},
		),
		deadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "dead_letter_total",
				Help:      "Total number of email jobs moved to the dead letter state.",
			},
			[]string{"reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailrelay",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by template kind.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"template_kind"},
		),
		dispatchInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mailrelay",
				Name:      "dispatch_inflight",
				Help:      "Current number of in-flight provider sends.",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mailrelay",
				Name:      "queue_depth",
				Help:      "Number of email jobs per queue status, refreshed periodically.",
			},
			[]string{"status"},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailrelay",
				Name:      "webhook_events_total",
				Help:      "Total number of webhook events processed by type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.jobsEnqueuedTotal,
		m.jobsSentTotal,
		m.jobsFailedTotal,
		m.jobsSuppressedTotal,
		m.retryScheduledTotal,
		m.deadLetterTotal,
		m.sendDuration,
		m.dispatchInflight,
		m.queueDepth,
		m.webhookEventsTotal,
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

func (m *Metrics) IncJobEnqueued(templateKind, priority string) {
	if m == nil {
		return
	}
	m.jobsEnqueuedTotal.WithLabelValues(normalizeLabel(templateKind), normalizeLabel(priority)).Inc()
}

func (m *Metrics) IncJobSent(templateKind string) {
	if m == nil {
		return
	}
	m.jobsSentTotal.WithLabelValues(normalizeLabel(templateKind)).Inc()
}

func (m *Metrics) IncJobFailed(templateKind, failureKind string) {
	if m == nil {
		return
	}
	m.jobsFailedTotal.WithLabelValues(normalizeLabel(templateKind), normalizeLabel(failureKind)).Inc()
}

func (m *Metrics) IncJobSuppressed(reason string) {
	if m == nil {
		return
	}
	m.jobsSuppressedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncRetryScheduled(failureKind string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(failureKind)).Inc()
}

func (m *Metrics) IncDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLetterTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveSendDuration(templateKind string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(templateKind)).Observe(seconds)
}

func (m *Metrics) IncDispatchInFlight() {
	if m == nil {
		return
	}
	m.dispatchInflight.Inc()
}

func (m *Metrics) DecDispatchInFlight() {
	if m == nil {
		return
	}
	m.dispatchInflight.Dec()
}

func (m *Metrics) SetQueueDepth(status string, count int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(status)).Set(float64(count))
}

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
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

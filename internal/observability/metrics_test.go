package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncJobEnqueued("LIVE_MATCH", "high")
	metrics.IncJobSent("live_match")
	metrics.IncJobFailed("live_match", "bounced_hard")
	metrics.IncJobSuppressed("hard_bounce")
	metrics.IncRetryScheduled("rate_limit")
	metrics.IncDeadLetter("attempts_exhausted")
	metrics.ObserveSendDuration("live_match", 120*time.Millisecond)
	metrics.IncDispatchInFlight()
	metrics.DecDispatchInFlight()
	metrics.IncWebhookEvent("bounced", "applied")

	if got := testutil.ToFloat64(metrics.jobsEnqueuedTotal.WithLabelValues("live_match", "high")); got != 1 {
		t.Fatalf("jobs_enqueued_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsSentTotal.WithLabelValues("live_match")); got != 1 {
		t.Fatalf("jobs_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsFailedTotal.WithLabelValues("live_match", "bounced_hard")); got != 1 {
		t.Fatalf("jobs_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.jobsSuppressedTotal.WithLabelValues("hard_bounce")); got != 1 {
		t.Fatalf("jobs_suppressed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("rate_limit")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deadLetterTotal.WithLabelValues("attempts_exhausted")); got != 1 {
		t.Fatalf("dead_letter_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.dispatchInflight); got != 0 {
		t.Fatalf("dispatch_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.webhookEventsTotal.WithLabelValues("bounced", "applied")); got != 1 {
		t.Fatalf("webhook_events_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsSetQueueDepth(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	metrics.SetQueueDepth("PENDING", 42)
	metrics.SetQueueDepth("PENDING", 7)
	metrics.SetQueueDepth("FAILED", 3)

	if got := testutil.ToFloat64(metrics.queueDepth.WithLabelValues("pending")); got != 7 {
		t.Fatalf("queue_depth{pending} = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.queueDepth.WithLabelValues("failed")); got != 3 {
		t.Fatalf("queue_depth{failed} = %v, want 3", got)
	}

	var nilMetrics *Metrics
	nilMetrics.SetQueueDepth("PENDING", 1)
}

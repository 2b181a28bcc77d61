package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/ratelimit"
	"github.com/chesshelper/mailrelay/internal/service"
	"github.com/chesshelper/mailrelay/internal/webhook"
)

const signatureHeader = "X-Webhook-Signature"

type WebhookApplier interface {
	Apply(ctx context.Context, events []domain.DeliveryEvent) service.ApplySummary
}

type WebhookHandlerConfig struct {
	Secret       string
	MaxBodyBytes int
}

type WebhookHandler struct {
	applier WebhookApplier
	limiter ratelimit.RateLimiter
	logger  *zap.Logger
	cfg     WebhookHandlerConfig
}

func NewWebhookHandler(applier WebhookApplier, limiter ratelimit.RateLimiter, logger *zap.Logger, cfg WebhookHandlerConfig) (*WebhookHandler, error) {
	if applier == nil {
		return nil, fmt.Errorf("webhook applier is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{applier: applier, limiter: limiter, logger: logger, cfg: cfg}, nil
}

func RegisterWebhookRoutes(router fiber.Router, applier WebhookApplier, limiter ratelimit.RateLimiter, logger *zap.Logger, cfg WebhookHandlerConfig) error {
	h, err := NewWebhookHandler(applier, limiter, logger, cfg)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/webhooks/email", h.ReceiveEvents)

	return nil
}

type webhookEvent struct {
	MessageID string          `json:"message_id"`
	Event     string          `json:"event"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SubReason string          `json:"sub_reason,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type webhookEnvelope struct {
	Events []webhookEvent `json:"events"`
}

type webhookResponse struct {
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// ReceiveEvents runs the cheap checks first. Nothing touches the database
// until the payload size, the rate limit, and the signature have all passed.
func (h *WebhookHandler) ReceiveEvents(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) > h.cfg.MaxBodyBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "payload too large")
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Context(), c.IP())
		if err != nil {
			h.logger.Warn("webhook rate limit check failed, allowing request", zap.Error(err))
		} else if !allowed {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
	}

	signature := c.Get(signatureHeader)
	if !webhook.Verify([]byte(h.cfg.Secret), body, signature) {
		h.logger.Warn("webhook signature rejected", zap.String("remote_ip", c.IP()))
		return fiber.NewError(fiber.StatusUnauthorized, "invalid signature")
	}

	events, skipped, err := parseWebhookEvents(body)
	if err != nil {
		return toHTTPError(err)
	}
	if skipped > 0 {
		h.logger.Warn("skipped unparseable webhook events",
			zap.Int("count", skipped),
			zap.String("remote_ip", c.IP()),
		)
	}

	var summary service.ApplySummary
	if len(events) > 0 {
		summary = h.applier.Apply(c.Context(), events)
	}

	return c.Status(fiber.StatusOK).JSON(webhookResponse{
		Applied:    summary.Applied,
		Duplicates: summary.Duplicates,
		Failed:     summary.Failed + skipped,
	})
}

// parseWebhookEvents accepts either a single event object or an envelope with
// an events array, matching the two shapes providers post. Events that cannot
// be interpreted are counted and skipped; one bad event never blocks its
// siblings in the same payload.
func parseWebhookEvents(body []byte) ([]domain.DeliveryEvent, int, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Events) == 0 {
		var single webhookEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, 0, fmt.Errorf("%w: malformed webhook payload", domain.ErrValidation)
		}
		if strings.TrimSpace(single.MessageID) == "" && strings.TrimSpace(single.Event) == "" {
			return nil, 0, fmt.Errorf("%w: webhook payload has no events", domain.ErrValidation)
		}
		envelope.Events = []webhookEvent{single}
	}

	skipped := 0
	events := make([]domain.DeliveryEvent, 0, len(envelope.Events))
	for _, raw := range envelope.Events {
		eventType, err := domain.ParseEventTypeFromString(raw.Event)
		if err != nil {
			skipped++
			continue
		}
		if strings.TrimSpace(raw.MessageID) == "" {
			skipped++
			continue
		}

		occurredAt := raw.Timestamp
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}

		event := domain.DeliveryEvent{
			ProviderMessageID: strings.TrimSpace(raw.MessageID),
			EventType:         eventType,
			Recipient:         strings.TrimSpace(raw.Recipient),
			OccurredAt:        occurredAt.UTC(),
		}
		if sub := strings.TrimSpace(raw.SubReason); sub != "" {
			event.SubReason = &sub
		}
		if len(raw.Data) > 0 {
			event.RawPayload = string(raw.Data)
		}
		events = append(events, event)
	}

	return events, skipped, nil
}

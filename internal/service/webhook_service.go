package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/observability"
	"github.com/chesshelper/mailrelay/internal/repository"
	"github.com/chesshelper/mailrelay/internal/suppression"
)

// Bounce sub-reasons that indict the recipient address itself.
var hardBounceSubReasons = map[string]bool{
	"hard_bounce":       true,
	"permanent":         true,
	"suppressed":        true,
	"invalid_recipient": true,
	"mailbox_not_found": true,
}

// ApplySummary reports what happened to each event in one webhook payload.
type ApplySummary struct {
	Applied    int
	Duplicates int
	Failed     int
}

// WebhookService reconciles provider delivery events against the job store
// and the suppression list. Applying the same event twice is a no-op.
type WebhookService struct {
	events       repository.EventRepository
	jobs         repository.JobRepository
	suppressions suppression.Store
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

func NewWebhookService(
	events repository.EventRepository,
	jobs repository.JobRepository,
	suppressions suppression.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*WebhookService, error) {
	if events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if suppressions == nil {
		return nil, fmt.Errorf("suppression store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookService{
		events:       events,
		jobs:         jobs,
		suppressions: suppressions,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Apply processes a batch of verified events. One bad event never aborts the
// others; the summary carries per-event outcomes.
func (s *WebhookService) Apply(ctx context.Context, events []domain.DeliveryEvent) ApplySummary {
	if ctx == nil {
		ctx = context.Background()
	}

	var summary ApplySummary
	for i := range events {
		event := events[i]
		switch err := s.applyOne(ctx, &event); {
		case err == nil:
			summary.Applied++
			s.metrics.IncWebhookEvent(event.EventType.String(), "applied")
		case err == errDuplicateEvent:
			summary.Duplicates++
			s.metrics.IncWebhookEvent(event.EventType.String(), "duplicate")
		default:
			summary.Failed++
			s.metrics.IncWebhookEvent(event.EventType.String(), "error")
			s.logger.Error("failed to apply webhook event",
				zap.String("providerMessageId", event.ProviderMessageID),
				zap.String("eventType", event.EventType.String()),
				zap.Error(err),
			)
		}
	}
	return summary
}

var errDuplicateEvent = fmt.Errorf("event already processed")

func (s *WebhookService) applyOne(ctx context.Context, event *domain.DeliveryEvent) error {
	if event.ProviderMessageID == "" {
		return fmt.Errorf("%w: provider message id is required", domain.ErrValidation)
	}
	if !event.EventType.IsValid() {
		return fmt.Errorf("%w: invalid event type %q", domain.ErrValidation, event.EventType)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	inserted, err := s.events.InsertIfAbsent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to record delivery event: %w", err)
	}
	if !inserted {
		return errDuplicateEvent
	}

	switch event.EventType {
	case domain.EventSent, domain.EventDelivered, domain.EventOpened, domain.EventClicked:
		return s.markDelivered(ctx, event)
	case domain.EventDelayed:
		// Informational only.
		return nil
	case domain.EventBounced:
		return s.applyBounce(ctx, event)
	case domain.EventComplained:
		return s.applyComplaint(ctx, event)
	}
	return nil
}

func (s *WebhookService) markDelivered(ctx context.Context, event *domain.DeliveryEvent) error {
	updated, err := s.jobs.MarkDeliveredByProviderMessageID(ctx, event.ProviderMessageID, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark job delivered: %w", err)
	}
	if updated == 0 {
		s.logger.Debug("delivery event matched no updatable job",
			zap.String("providerMessageId", event.ProviderMessageID),
		)
	}
	return nil
}

func (s *WebhookService) applyBounce(ctx context.Context, event *domain.DeliveryEvent) error {
	detail := "bounced"
	subReason := ""
	if event.SubReason != nil {
		subReason = strings.ToLower(strings.TrimSpace(*event.SubReason))
		detail = fmt.Sprintf("bounced: %s", subReason)
	}

	if _, err := s.jobs.MarkFailedByProviderMessageID(ctx, event.ProviderMessageID, detail); err != nil {
		return fmt.Errorf("failed to mark job bounced: %w", err)
	}

	if !hardBounceSubReasons[subReason] {
		return nil
	}
	return s.suppressFromEvent(ctx, event, domain.SuppressionHardBounce, domain.FailureBouncedHard)
}

func (s *WebhookService) applyComplaint(ctx context.Context, event *domain.DeliveryEvent) error {
	if _, err := s.jobs.MarkFailedByProviderMessageID(ctx, event.ProviderMessageID, "spam complaint"); err != nil {
		return fmt.Errorf("failed to mark job complained: %w", err)
	}
	// Spam complaints always suppress, whatever the sub-reason says.
	return s.suppressFromEvent(ctx, event, domain.SuppressionSpamComplaint, domain.FailureSpamComplaint)
}

func (s *WebhookService) suppressFromEvent(
	ctx context.Context,
	event *domain.DeliveryEvent,
	reason domain.SuppressionReason,
	kind domain.FailureKind,
) error {
	recipient := event.Recipient
	sourceJobID := ""
	if job, err := s.jobs.GetByProviderMessageID(ctx, event.ProviderMessageID); err == nil {
		sourceJobID = job.ID
		if recipient == "" {
			recipient = job.Recipient
		}
	}
	if recipient == "" {
		return fmt.Errorf("%w: cannot suppress, event carries no recipient and no matching job", domain.ErrValidation)
	}

	if err := s.suppressions.Add(ctx, suppression.AddParams{
		Recipient:   recipient,
		Reason:      reason,
		SourceJobID: sourceJobID,
		FailureKind: kind,
		Permanent:   true,
	}); err != nil {
		return fmt.Errorf("failed to suppress recipient: %w", err)
	}

	s.metrics.IncJobSuppressed(reason.String())
	s.logger.Info("recipient suppressed from webhook event",
		zap.String("eventType", event.EventType.String()),
		zap.String("reason", reason.String()),
	)
	return nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/observability"
	"github.com/chesshelper/mailrelay/internal/repository"
	"github.com/chesshelper/mailrelay/internal/template"
)

const defaultMaxRetries = 5

// UserDirectory resolves a subscriber's email address. Account storage is
// owned elsewhere; only the lookup is consumed here.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// User is the slice of an account this subsystem needs.
type User struct {
	ID    string
	Email string
}

// EnqueueParams is the producer-facing request for one outbound email.
type EnqueueParams struct {
	OwnerID      string `validate:"required"`
	Recipient    string `validate:"omitempty,email,max=320"`
	TemplateKind string `validate:"required"`
	Priority     *int   `validate:"omitempty,min=1,max=3"`
	ScheduledAt  *time.Time
	MaxRetries   *int `validate:"omitempty,min=0,max=20"`

	Template template.Params
}

// Statistics summarizes queue state for operators.
type Statistics struct {
	Pending              int64
	Processing           int64
	Sent                 int64
	Failed               int64
	Cancelled            int64
	SuccessRate          float64
	AvgProcessingSeconds float64
	OldestPendingAge     time.Duration
}

// HealthThresholds bound what the health check tolerates.
type HealthThresholds struct {
	MaxPendingCount  int64
	MaxPendingAge    time.Duration
	MinSuccessRate   float64
	MinSampleForRate int64
}

// Health is the operator-facing health verdict.
type Health struct {
	IsHealthy bool
	Issues    []string
}

type MailerService struct {
	jobs       repository.JobRepository
	renderer   template.Renderer
	users      UserDirectory
	validate   *validator.Validate
	metrics    *observability.Metrics
	logger     *zap.Logger
	thresholds HealthThresholds
	now        func() time.Time
}

func NewMailerService(
	jobs repository.JobRepository,
	renderer template.Renderer,
	users UserDirectory,
	metrics *observability.Metrics,
	logger *zap.Logger,
	thresholds HealthThresholds,
) (*MailerService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("template renderer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if thresholds.MinSampleForRate <= 0 {
		thresholds.MinSampleForRate = 20
	}

	return &MailerService{
		jobs:       jobs,
		renderer:   renderer,
		users:      users,
		validate:   validator.New(),
		metrics:    metrics,
		logger:     logger,
		thresholds: thresholds,
		now:        time.Now,
	}, nil
}

// Enqueue validates, renders, and persists a new pending job. Validation
// failures surface synchronously and nothing is queued.
func (s *MailerService) Enqueue(ctx context.Context, params EnqueueParams) (*domain.EmailJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}

	kind, err := domain.ParseTemplateKindFromString(params.TemplateKind)
	if err != nil {
		return nil, err
	}

	recipient := params.Recipient
	if recipient == "" {
		if s.users == nil {
			return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
		}
		user, err := s.users.GetUser(ctx, params.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve recipient for owner %s: %w", params.OwnerID, err)
		}
		recipient = user.Email
	}

	rendered, err := s.renderer.Render(kind, params.Template)
	if err != nil {
		return nil, err
	}

	priority := domain.PriorityMedium
	if params.Priority != nil {
		priority, err = domain.ParsePriority(*params.Priority)
		if err != nil {
			return nil, err
		}
	}

	maxRetries := defaultMaxRetries
	if params.MaxRetries != nil {
		maxRetries = *params.MaxRetries
	}

	now := s.now().UTC()
	scheduledAt := now
	if params.ScheduledAt != nil && params.ScheduledAt.After(now) {
		scheduledAt = params.ScheduledAt.UTC()
	}

	job := &domain.EmailJob{
		ID:           uuid.NewString(),
		OwnerID:      params.OwnerID,
		Recipient:    recipient,
		TemplateKind: kind,
		Subject:      rendered.Subject,
		BodyHTML:     rendered.BodyHTML,
		BodyText:     rendered.BodyText,
		Priority:     priority,
		Status:       domain.StatusPending,
		MaxRetries:   maxRetries,
		ScheduledAt:  scheduledAt,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.metrics.IncJobEnqueued(kind.String(), priority.String())
	observability.WithContextLogger(s.logger, ctx).Info("job enqueued",
		zap.String("jobId", job.ID),
		zap.String("templateKind", kind.String()),
		zap.Int("priority", int(priority)),
	)

	return job, nil
}

func (s *MailerService) GetByID(ctx context.Context, id string) (*domain.EmailJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: invalid job id %q", domain.ErrValidation, id)
	}
	return s.jobs.GetByID(ctx, id)
}

func (s *MailerService) List(ctx context.Context, params repository.ListParams) ([]domain.EmailJob, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 200 {
		params.PageSize = 50
	}
	return s.jobs.List(ctx, params)
}

// Cancel stops a job that has not reached a terminal state. Already-sent jobs
// return ErrAlreadyTerminal.
func (s *MailerService) Cancel(ctx context.Context, id string, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid job id %q", domain.ErrValidation, id)
	}

	if err := s.jobs.Cancel(ctx, id, reason); err != nil {
		return err
	}

	observability.WithContextLogger(s.logger, ctx).Info("job cancelled",
		zap.String("jobId", id),
		zap.String("reason", reason),
	)
	return nil
}

func (s *MailerService) Statistics(ctx context.Context) (*Statistics, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect statistics: %w", err)
	}

	stats := &Statistics{
		Pending:              raw.Counts[domain.StatusPending],
		Processing:           raw.Counts[domain.StatusProcessing],
		Sent:                 raw.Counts[domain.StatusSent],
		Failed:               raw.Counts[domain.StatusFailed],
		Cancelled:            raw.Counts[domain.StatusCancelled],
		AvgProcessingSeconds: raw.AvgProcessingSeconds,
	}

	attempted := stats.Sent + stats.Failed
	if attempted > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(attempted)
	}
	if raw.OldestPendingAt != nil {
		stats.OldestPendingAge = s.now().UTC().Sub(raw.OldestPendingAt.UTC())
	}

	return stats, nil
}

func (s *MailerService) Health(ctx context.Context) (*Health, error) {
	stats, err := s.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	var issues []string
	if s.thresholds.MaxPendingCount > 0 && stats.Pending > s.thresholds.MaxPendingCount {
		issues = append(issues, fmt.Sprintf("pending backlog %d exceeds threshold %d", stats.Pending, s.thresholds.MaxPendingCount))
	}
	if s.thresholds.MaxPendingAge > 0 && stats.OldestPendingAge > s.thresholds.MaxPendingAge {
		issues = append(issues, fmt.Sprintf("oldest pending job age %s exceeds threshold %s", stats.OldestPendingAge, s.thresholds.MaxPendingAge))
	}
	attempted := stats.Sent + stats.Failed
	if s.thresholds.MinSuccessRate > 0 && attempted >= s.thresholds.MinSampleForRate && stats.SuccessRate < s.thresholds.MinSuccessRate {
		issues = append(issues, fmt.Sprintf("success rate %.2f below threshold %.2f", stats.SuccessRate, s.thresholds.MinSuccessRate))
	}

	return &Health{IsHealthy: len(issues) == 0, Issues: issues}, nil
}

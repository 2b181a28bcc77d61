package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chesshelper/mailrelay/internal/domain"
	"github.com/chesshelper/mailrelay/internal/observability"
	"github.com/chesshelper/mailrelay/internal/repository"
	"github.com/chesshelper/mailrelay/internal/service"
	"github.com/chesshelper/mailrelay/internal/template"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type MailerService interface {
	Enqueue(ctx context.Context, params service.EnqueueParams) (*domain.EmailJob, error)
	GetByID(ctx context.Context, id string) (*domain.EmailJob, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.EmailJob, int64, error)
	Cancel(ctx context.Context, id string, reason string) error
	Statistics(ctx context.Context) (*service.Statistics, error)
	Health(ctx context.Context) (*service.Health, error)
}

type JobHandler struct {
	service MailerService
}

func NewJobHandler(service MailerService) (*JobHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("mailer service is required")
	}
	return &JobHandler{service: service}, nil
}

func RegisterJobRoutes(router fiber.Router, service MailerService) error {
	h, err := NewJobHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/jobs", h.EnqueueJob)
	v1.Get("/jobs/:id", h.GetJob)
	v1.Post("/jobs/:id/cancel", h.CancelJob)
	v1.Get("/jobs", h.ListJobs)
	v1.Get("/stats", h.GetStatistics)
	v1.Get("/health", h.GetHealth)

	return nil
}

type enqueueJobRequest struct {
	OwnerID      string     `json:"ownerId"`
	Recipient    string     `json:"recipient,omitempty"`
	TemplateKind string     `json:"templateKind"`
	Priority     *int       `json:"priority,omitempty"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`
	MaxRetries   *int       `json:"maxRetries,omitempty"`

	Username    string            `json:"username"`
	DisplayName string            `json:"displayName,omitempty"`
	Games       []gameDetailParam `json:"games,omitempty"`
}

type gameDetailParam struct {
	TimeControl string `json:"timeControl"`
	URL         string `json:"url"`
	Result      string `json:"result,omitempty"`
}

type jobResponse struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"ownerId"`
	Recipient         string     `json:"recipient"`
	TemplateKind      string     `json:"templateKind"`
	Subject           string     `json:"subject"`
	Priority          int        `json:"priority"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	ScheduledAt       time.Time  `json:"scheduledAt"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	DeadLetteredAt    *time.Time `json:"deadLetteredAt,omitempty"`
	DeadLetterReason  *string    `json:"deadLetterReason,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type listJobsResponse struct {
	Data []jobResponse `json:"data"`
	Meta listMeta      `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type statisticsResponse struct {
	Pending              int64   `json:"pending"`
	Processing           int64   `json:"processing"`
	Sent                 int64   `json:"sent"`
	Failed               int64   `json:"failed"`
	Cancelled            int64   `json:"cancelled"`
	SuccessRate          float64 `json:"successRate"`
	AvgProcessingSeconds float64 `json:"avgProcessingSeconds"`
	OldestPendingAgeMs   int64   `json:"oldestPendingAgeMs"`
}

type healthResponse struct {
	IsHealthy bool     `json:"isHealthy"`
	Issues    []string `json:"issues"`
}

func (h *JobHandler) EnqueueJob(c *fiber.Ctx) error {
	var req enqueueJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	games := make([]template.GameDetail, 0, len(req.Games))
	for _, g := range req.Games {
		games = append(games, template.GameDetail{
			TimeControl: g.TimeControl,
			URL:         g.URL,
			Result:      g.Result,
		})
	}

	job, err := h.service.Enqueue(requestContext(c), service.EnqueueParams{
		OwnerID:      strings.TrimSpace(req.OwnerID),
		Recipient:    strings.TrimSpace(req.Recipient),
		TemplateKind: strings.TrimSpace(req.TemplateKind),
		Priority:     req.Priority,
		ScheduledAt:  req.ScheduledAt,
		MaxRetries:   req.MaxRetries,
		Template: template.Params{
			Username:    strings.TrimSpace(req.Username),
			DisplayName: strings.TrimSpace(req.DisplayName),
			Games:       games,
		},
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toJobResponse(job))
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	job, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toJobResponse(job))
}

func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.BodyParser(&body)

	if err := h.service.Cancel(requestContext(c), id, strings.TrimSpace(body.Reason)); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"jobId":  id,
		"status": domain.StatusCancelled.String(),
	})
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	jobs, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		responses = append(responses, toJobResponse(&jobs[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listJobsResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *JobHandler) GetStatistics(c *fiber.Ctx) error {
	stats, err := h.service.Statistics(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(statisticsResponse{
		Pending:              stats.Pending,
		Processing:           stats.Processing,
		Sent:                 stats.Sent,
		Failed:               stats.Failed,
		Cancelled:            stats.Cancelled,
		SuccessRate:          stats.SuccessRate,
		AvgProcessingSeconds: stats.AvgProcessingSeconds,
		OldestPendingAgeMs:   stats.OldestPendingAge.Milliseconds(),
	})
}

func (h *JobHandler) GetHealth(c *fiber.Ctx) error {
	health, err := h.service.Health(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	statusCode := fiber.StatusOK
	if !health.IsHealthy {
		statusCode = fiber.StatusServiceUnavailable
	}

	issues := health.Issues
	if issues == nil {
		issues = []string{}
	}

	return c.Status(statusCode).JSON(healthResponse{
		IsHealthy: health.IsHealthy,
		Issues:    issues,
	})
}

// requestContext carries the caller's X-Request-ID into service logs.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if correlationID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	return ctx
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if ownerID := strings.TrimSpace(c.Query("ownerId")); ownerID != "" {
		params.OwnerID = &ownerID
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toJobResponse(j *domain.EmailJob) jobResponse {
	if j == nil {
		return jobResponse{}
	}

	return jobResponse{
		ID:                j.ID,
		OwnerID:           j.OwnerID,
		Recipient:         j.Recipient,
		TemplateKind:      j.TemplateKind.String(),
		Subject:           j.Subject,
		Priority:          int(j.Priority),
		Status:            j.Status.String(),
		RetryCount:        j.RetryCount,
		MaxRetries:        j.MaxRetries,
		ScheduledAt:       j.ScheduledAt,
		SentAt:            j.SentAt,
		LastError:         j.LastError,
		ProviderMessageID: j.ProviderMessageID,
		DeadLetteredAt:    j.DeadLetteredAt,
		DeadLetterReason:  j.DeadLetterReason,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}

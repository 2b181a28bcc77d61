package repository

import (
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
)

// EmailJobModel is the persistence model for the email_jobs table.
type EmailJobModel struct {
	ID                string              `gorm:"type:uuid;primaryKey"`
	OwnerID           string              `gorm:"type:varchar(36);not null"`
	Recipient         string              `gorm:"type:varchar(320);not null"`
	TemplateKind      domain.TemplateKind `gorm:"type:varchar(32);not null"`
	Subject           string              `gorm:"type:text;not null"`
	BodyHTML          string              `gorm:"type:text;not null"`
	BodyText          string              `gorm:"type:text"`
	Priority          domain.Priority     `gorm:"type:smallint;not null"`
	Status            domain.Status       `gorm:"type:varchar(20);not null"`
	RetryCount        int                 `gorm:"not null;default:0"`
	MaxRetries        int                 `gorm:"not null;default:5"`
	ScheduledAt       time.Time           `gorm:"not null"`
	FirstAttemptedAt  *time.Time
	LastAttemptedAt   *time.Time
	SentAt            *time.Time
	LastError         *string `gorm:"type:text"`
	ProviderMessageID *string `gorm:"type:varchar(255)"`
	DeadLetteredAt    *time.Time
	DeadLetterReason  *string `gorm:"type:varchar(64)"`
	BatchID           *string `gorm:"type:uuid"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (EmailJobModel) TableName() string {
	return "email_jobs"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string              `gorm:"type:uuid;primaryKey"`
	JobID          string              `gorm:"type:uuid;not null"`
	AttemptNumber  int                 `gorm:"not null"`
	FailureKind    *domain.FailureKind `gorm:"type:varchar(32)"`
	StatusCode     *int                `gorm:"type:int"`
	Error          *string             `gorm:"type:text"`
	RetryScheduled bool                `gorm:"not null;default:false"`
	RetryDelayMs   *int64              `gorm:"type:bigint"`
	CreatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// SuppressionModel is the persistence model for suppression_entries.
type SuppressionModel struct {
	Recipient       string                   `gorm:"type:varchar(320);primaryKey"`
	Reason          domain.SuppressionReason `gorm:"type:varchar(32);not null"`
	SuppressedAt    time.Time                `gorm:"not null"`
	SuppressedUntil *time.Time
	SourceJobID     *string             `gorm:"type:uuid"`
	LastFailureKind *domain.FailureKind `gorm:"type:varchar(32)"`
	FailureCount    int                 `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (SuppressionModel) TableName() string {
	return "suppression_entries"
}

// DeliveryEventModel is the persistence model for delivery_events.
type DeliveryEventModel struct {
	ID                string           `gorm:"type:uuid;primaryKey"`
	ProviderMessageID string           `gorm:"type:varchar(255);not null"`
	EventType         domain.EventType `gorm:"type:varchar(32);not null"`
	Recipient         string           `gorm:"type:varchar(320)"`
	OccurredAt        time.Time        `gorm:"not null"`
	SubReason         *string          `gorm:"type:varchar(64)"`
	RawPayload        string           `gorm:"type:text"`
	CreatedAt         time.Time
}

func (DeliveryEventModel) TableName() string {
	return "delivery_events"
}

// DispatchBatchModel is the persistence model for dispatch_batches.
type DispatchBatchModel struct {
	ID          string             `gorm:"type:uuid;primaryKey"`
	Size        int                `gorm:"not null"`
	Succeeded   int                `gorm:"not null;default:0"`
	Failed      int                `gorm:"not null;default:0"`
	Status      domain.BatchStatus `gorm:"type:varchar(20);not null"`
	StartedAt   time.Time          `gorm:"not null"`
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DispatchBatchModel) TableName() string {
	return "dispatch_batches"
}

// RetryPolicyModel is the persistence model for retry_policies. Overrides and
// the non-retryable set are serialized as JSON text.
type RetryPolicyModel struct {
	ID                    string `gorm:"type:uuid;primaryKey"`
	Name                  string `gorm:"type:varchar(64);not null;uniqueIndex"`
	MaxRetries            int    `gorm:"not null"`
	BaseDelayMs           int64  `gorm:"not null"`
	MaxDelayMs            int64  `gorm:"not null"`
	BackoffMultiplier     float64
	UseJitter             bool   `gorm:"not null;default:true"`
	NonRetryable          string `gorm:"type:text;not null"`
	PriorityOverrides     string `gorm:"type:text;not null"`
	RateLimitBaseDelayMs  int64  `gorm:"not null"`
	RateLimitMaxDelayMs   int64  `gorm:"not null"`
	DeadLetterThreshold   int    `gorm:"not null"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (RetryPolicyModel) TableName() string {
	return "retry_policies"
}

func jobModelFromDomain(j *domain.EmailJob) *EmailJobModel {
	if j == nil {
		return nil
	}

	return &EmailJobModel{
		ID:                j.ID,
		OwnerID:           j.OwnerID,
		Recipient:         j.Recipient,
		TemplateKind:      j.TemplateKind,
		Subject:           j.Subject,
		BodyHTML:          j.BodyHTML,
		BodyText:          j.BodyText,
		Priority:          j.Priority,
		Status:            j.Status,
		RetryCount:        j.RetryCount,
		MaxRetries:        j.MaxRetries,
		ScheduledAt:       j.ScheduledAt,
		FirstAttemptedAt:  j.FirstAttemptedAt,
		LastAttemptedAt:   j.LastAttemptedAt,
		SentAt:            j.SentAt,
		LastError:         j.LastError,
		ProviderMessageID: j.ProviderMessageID,
		DeadLetteredAt:    j.DeadLetteredAt,
		DeadLetterReason:  j.DeadLetterReason,
		BatchID:           j.BatchID,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func jobModelToDomain(m *EmailJobModel) *domain.EmailJob {
	if m == nil {
		return nil
	}

	return &domain.EmailJob{
		ID:                m.ID,
		OwnerID:           m.OwnerID,
		Recipient:         m.Recipient,
		TemplateKind:      m.TemplateKind,
		Subject:           m.Subject,
		BodyHTML:          m.BodyHTML,
		BodyText:          m.BodyText,
		Priority:          m.Priority,
		Status:            m.Status,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		ScheduledAt:       m.ScheduledAt,
		FirstAttemptedAt:  m.FirstAttemptedAt,
		LastAttemptedAt:   m.LastAttemptedAt,
		SentAt:            m.SentAt,
		LastError:         m.LastError,
		ProviderMessageID: m.ProviderMessageID,
		DeadLetteredAt:    m.DeadLetteredAt,
		DeadLetterReason:  m.DeadLetterReason,
		BatchID:           m.BatchID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		JobID:          a.JobID,
		AttemptNumber:  a.AttemptNumber,
		FailureKind:    a.FailureKind,
		StatusCode:     a.StatusCode,
		Error:          a.Error,
		RetryScheduled: a.RetryScheduled,
		RetryDelayMs:   a.RetryDelayMs,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		JobID:          m.JobID,
		AttemptNumber:  m.AttemptNumber,
		FailureKind:    m.FailureKind,
		StatusCode:     m.StatusCode,
		Error:          m.Error,
		RetryScheduled: m.RetryScheduled,
		RetryDelayMs:   m.RetryDelayMs,
		CreatedAt:      m.CreatedAt,
	}
}

func suppressionModelFromDomain(e *domain.SuppressionEntry) *SuppressionModel {
	if e == nil {
		return nil
	}

	return &SuppressionModel{
		Recipient:       e.Recipient,
		Reason:          e.Reason,
		SuppressedAt:    e.SuppressedAt,
		SuppressedUntil: e.SuppressedUntil,
		SourceJobID:     e.SourceJobID,
		LastFailureKind: e.LastFailureKind,
		FailureCount:    e.FailureCount,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func suppressionModelToDomain(m *SuppressionModel) *domain.SuppressionEntry {
	if m == nil {
		return nil
	}

	return &domain.SuppressionEntry{
		Recipient:       m.Recipient,
		Reason:          m.Reason,
		SuppressedAt:    m.SuppressedAt,
		SuppressedUntil: m.SuppressedUntil,
		SourceJobID:     m.SourceJobID,
		LastFailureKind: m.LastFailureKind,
		FailureCount:    m.FailureCount,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func eventModelFromDomain(e *domain.DeliveryEvent) *DeliveryEventModel {
	if e == nil {
		return nil
	}

	return &DeliveryEventModel{
		ID:                e.ID,
		ProviderMessageID: e.ProviderMessageID,
		EventType:         e.EventType,
		Recipient:         e.Recipient,
		OccurredAt:        e.OccurredAt,
		SubReason:         e.SubReason,
		RawPayload:        e.RawPayload,
		CreatedAt:         e.CreatedAt,
	}
}

func batchModelFromDomain(b *domain.DispatchBatch) *DispatchBatchModel {
	if b == nil {
		return nil
	}

	return &DispatchBatchModel{
		ID:          b.ID,
		Size:        b.Size,
		Succeeded:   b.Succeeded,
		Failed:      b.Failed,
		Status:      b.Status,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func batchModelToDomain(m *DispatchBatchModel) *domain.DispatchBatch {
	if m == nil {
		return nil
	}

	return &domain.DispatchBatch{
		ID:          m.ID,
		Size:        m.Size,
		Succeeded:   m.Succeeded,
		Failed:      m.Failed,
		Status:      m.Status,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

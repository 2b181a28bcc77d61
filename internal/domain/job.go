package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an email job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can happen from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Priority orders jobs inside a claim: lower value drains first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(v int) (Priority, error) {
	p := Priority(v)
	if !p.IsValid() {
		return 0, fmt.Errorf("%w: invalid priority %d", ErrValidation, v)
	}
	return p, nil
}

// TemplateKind identifies which rendered notification a job carries.
type TemplateKind string

const (
	TemplateLiveMatch  TemplateKind = "live_match"
	TemplateMatchEnded TemplateKind = "match_ended"
	TemplateWelcome    TemplateKind = "welcome"
)

func (t TemplateKind) String() string { return string(t) }

func (t TemplateKind) IsValid() bool {
	switch t {
	case TemplateLiveMatch, TemplateMatchEnded, TemplateWelcome:
		return true
	}
	return false
}

func ParseTemplateKindFromString(s string) (TemplateKind, error) {
	t := TemplateKind(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid template kind %q", ErrValidation, s)
	}
	return t, nil
}

const maxRecipientLength = 320

// EmailJob is the core domain entity: one queued outbound email with its own
// retry state.
type EmailJob struct {
	ID                string       `gorm:"type:uuid;primaryKey"`
	OwnerID           string       `gorm:"type:varchar(36);not null"`
	Recipient         string       `gorm:"type:varchar(320);not null"`
	TemplateKind      TemplateKind `gorm:"type:varchar(32);not null"`
	Subject           string       `gorm:"type:text;not null"`
	BodyHTML          string       `gorm:"type:text;not null"`
	BodyText          string       `gorm:"type:text"`
	Priority          Priority     `gorm:"type:smallint;not null"`
	Status            Status       `gorm:"type:varchar(20);not null"`
	RetryCount        int          `gorm:"not null;default:0"`
	MaxRetries        int          `gorm:"not null;default:5"`
	ScheduledAt       time.Time    `gorm:"not null"`
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

func (j *EmailJob) Validate() error {
	if strings.TrimSpace(j.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if len(j.Recipient) > maxRecipientLength {
		return fmt.Errorf("%w: recipient exceeds %d characters", ErrValidation, maxRecipientLength)
	}
	if !strings.Contains(j.Recipient, "@") {
		return fmt.Errorf("%w: recipient %q is not an email address", ErrValidation, j.Recipient)
	}
	if !j.TemplateKind.IsValid() {
		return fmt.Errorf("%w: invalid template kind %q", ErrValidation, j.TemplateKind)
	}
	if !j.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %d", ErrValidation, j.Priority)
	}
	if strings.TrimSpace(j.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(j.BodyHTML) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrValidation)
	}
	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("%w: retryCount %d exceeds maxRetries %d", ErrValidation, j.RetryCount, j.MaxRetries)
	}
	return nil
}

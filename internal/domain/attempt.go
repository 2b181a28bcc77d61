package domain

import "time"

// DeliveryAttempt is an append-only audit row for a single dispatch attempt.
// Rows are never mutated after insert.
type DeliveryAttempt struct {
	ID             string       `gorm:"type:uuid;primaryKey"`
	JobID          string       `gorm:"type:uuid;not null"`
	AttemptNumber  int          `gorm:"not null"`
	FailureKind    *FailureKind `gorm:"type:varchar(32)"`
	StatusCode     *int         `gorm:"type:int"`
	Error          *string      `gorm:"type:text"`
	RetryScheduled bool         `gorm:"not null;default:false"`
	RetryDelayMs   *int64       `gorm:"type:bigint"`
	CreatedAt      time.Time
}

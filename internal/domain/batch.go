package domain

import "time"

// BatchStatus represents the processing state of a dispatch batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// DispatchBatch records one dispatcher cycle for observability. A batch
// completes once every claimed job has been dispatched, regardless of how
// many of them succeeded.
type DispatchBatch struct {
	ID          string      `gorm:"type:uuid;primaryKey"`
	Size        int         `gorm:"not null"`
	Succeeded   int         `gorm:"not null;default:0"`
	Failed      int         `gorm:"not null;default:0"`
	Status      BatchStatus `gorm:"type:varchar(20);not null"`
	StartedAt   time.Time   `gorm:"not null"`
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

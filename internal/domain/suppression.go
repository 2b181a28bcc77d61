package domain

import (
	"fmt"
	"strings"
	"time"
)

// SuppressionReason enumerates why a recipient is banned from receiving mail.
type SuppressionReason string

const (
	SuppressionHardBounce     SuppressionReason = "hard_bounce"
	SuppressionSpamComplaint  SuppressionReason = "spam_complaint"
	SuppressionInvalidEmail   SuppressionReason = "invalid_email"
	SuppressionReputationRisk SuppressionReason = "reputation_risk"
	SuppressionManual         SuppressionReason = "manual"
)

func (r SuppressionReason) String() string { return string(r) }

func (r SuppressionReason) IsValid() bool {
	switch r {
	case SuppressionHardBounce, SuppressionSpamComplaint, SuppressionInvalidEmail,
		SuppressionReputationRisk, SuppressionManual:
		return true
	}
	return false
}

func ParseSuppressionReasonFromString(s string) (SuppressionReason, error) {
	r := SuppressionReason(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: invalid suppression reason %q", ErrValidation, s)
	}
	return r, nil
}

// SuppressionEntry is a permanent or time-boxed ban on a recipient address.
// SuppressedUntil is nil for permanent entries.
type SuppressionEntry struct {
	Recipient       string            `gorm:"type:varchar(320);primaryKey"`
	Reason          SuppressionReason `gorm:"type:varchar(32);not null"`
	SuppressedAt    time.Time         `gorm:"not null"`
	SuppressedUntil *time.Time
	SourceJobID     *string      `gorm:"type:uuid"`
	LastFailureKind *FailureKind `gorm:"type:varchar(32)"`
	FailureCount    int          `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the entry still bans the recipient at the given time.
func (e *SuppressionEntry) Active(now time.Time) bool {
	if e == nil {
		return false
	}
	if e.SuppressedUntil == nil {
		return true
	}
	return now.Before(*e.SuppressedUntil)
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType is one provider webhook delivery-outcome kind.
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventDelayed    EventType = "delivery_delayed"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventSent, EventDelivered, EventDelayed, EventBounced,
		EventComplained, EventOpened, EventClicked:
		return true
	}
	return false
}

func ParseEventTypeFromString(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid event type %q", ErrValidation, s)
	}
	return t, nil
}

// DeliveryEvent is one row per provider webhook notification. The tuple
// (ProviderMessageID, EventType, OccurredAt) is the idempotency key used to
// tolerate provider redelivery.
type DeliveryEvent struct {
	ID                string    `gorm:"type:uuid;primaryKey"`
	ProviderMessageID string    `gorm:"type:varchar(255);not null"`
	EventType         EventType `gorm:"type:varchar(32);not null"`
	Recipient         string    `gorm:"type:varchar(320)"`
	OccurredAt        time.Time `gorm:"not null"`
	SubReason         *string   `gorm:"type:varchar(64)"`
	RawPayload        string    `gorm:"type:text"`
	CreatedAt         time.Time
}

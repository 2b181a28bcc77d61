package repository

import (
	"context"

	"github.com/chesshelper/mailrelay/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepository interface {
	// InsertIfAbsent persists the event unless a row with the same
	// (provider_message_id, event_type, occurred_at) already exists. Returns
	// false when the event is a redelivery.
	InsertIfAbsent(ctx context.Context, e *domain.DeliveryEvent) (bool, error)

	GetByProviderMessageID(ctx context.Context, providerMessageID string) ([]domain.DeliveryEvent, error)
}

type GormEventRepo struct {
	db *gorm.DB
}

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db}
}

func (r *GormEventRepo) InsertIfAbsent(ctx context.Context, e *domain.DeliveryEvent) (bool, error) {
	model := eventModelFromDomain(e)

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "provider_message_id"},
				{Name: "event_type"},
				{Name: "occurred_at"},
			},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *GormEventRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) ([]domain.DeliveryEvent, error) {
	var models []DeliveryEventModel
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		Order("occurred_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.DeliveryEvent, 0, len(models))
	for i := range models {
		m := models[i]
		events = append(events, domain.DeliveryEvent{
			ID:                m.ID,
			ProviderMessageID: m.ProviderMessageID,
			EventType:         m.EventType,
			Recipient:         m.Recipient,
			OccurredAt:        m.OccurredAt,
			SubReason:         m.SubReason,
			RawPayload:        m.RawPayload,
			CreatedAt:         m.CreatedAt,
		})
	}

	return events, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SuppressionRepository interface {
	Get(ctx context.Context, recipient string) (*domain.SuppressionEntry, error)

	// Upsert inserts or refreshes an entry. Reason and timestamps are
	// last-writer-wins; the failure count is incremented atomically at the
	// storage layer so concurrent writers never lose increments.
	Upsert(ctx context.Context, e *domain.SuppressionEntry) error

	Delete(ctx context.Context, recipient string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormSuppressionRepo struct {
	db *gorm.DB
}

func NewGormSuppressionRepo(db *gorm.DB) *GormSuppressionRepo {
	return &GormSuppressionRepo{db: db}
}

func (r *GormSuppressionRepo) Get(ctx context.Context, recipient string) (*domain.SuppressionEntry, error) {
	var model SuppressionModel
	err := r.db.WithContext(ctx).First(&model, "recipient = ?", recipient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return suppressionModelToDomain(&model), nil
}

func (r *GormSuppressionRepo) Upsert(ctx context.Context, e *domain.SuppressionEntry) error {
	model := suppressionModelFromDomain(e)
	model.FailureCount = 1

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "recipient"}},
			DoUpdates: clause.Assignments(map[string]any{
				"reason":            model.Reason,
				"suppressed_at":     model.SuppressedAt,
				"suppressed_until":  model.SuppressedUntil,
				"source_job_id":     model.SourceJobID,
				"last_failure_kind": model.LastFailureKind,
				"failure_count":     gorm.Expr("suppression_entries.failure_count + 1"),
			}),
		}).
		Create(model).Error
}

func (r *GormSuppressionRepo) Delete(ctx context.Context, recipient string) error {
	return r.db.WithContext(ctx).
		Where("recipient = ?", recipient).
		Delete(&SuppressionModel{}).Error
}

func (r *GormSuppressionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("suppressed_until IS NOT NULL AND suppressed_until <= ?", now).
		Delete(&SuppressionModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

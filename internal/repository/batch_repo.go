package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"gorm.io/gorm"
)

type BatchRepository interface {
	Create(ctx context.Context, b *domain.DispatchBatch) error
	GetByID(ctx context.Context, id string) (*domain.DispatchBatch, error)
	Finish(ctx context.Context, id string, succeeded, failed int, status domain.BatchStatus, at time.Time) error
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.DispatchBatch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.DispatchBatch, error) {
	var model DispatchBatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) Finish(ctx context.Context, id string, succeeded, failed int, status domain.BatchStatus, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&DispatchBatchModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"succeeded":    succeeded,
			"failed":       failed,
			"status":       status,
			"completed_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

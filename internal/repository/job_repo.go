package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chesshelper/mailrelay/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Status   *domain.Status
	OwnerID  *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// QueueStats is the raw material for the statistics endpoint.
type QueueStats struct {
	Counts               map[domain.Status]int64
	AvgProcessingSeconds float64
	OldestPendingAt      *time.Time
}

type JobRepository interface {
	Create(ctx context.Context, j *domain.EmailJob) error
	GetByID(ctx context.Context, id string) (*domain.EmailJob, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailJob, error)
	List(ctx context.Context, params ListParams) ([]domain.EmailJob, int64, error)

	// ClaimBatch atomically selects up to limit pending jobs due at or before
	// now, ordered by (priority, scheduled_at), and transitions them to
	// PROCESSING. Two concurrent callers never receive the same job.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error)

	CompleteSent(ctx context.Context, id string, providerMessageID string, at time.Time) error
	RescheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error
	Cancel(ctx context.Context, id string, reason string) error

	// ReleaseExpiredLeases returns PROCESSING jobs whose last attempt started
	// before cutoff back to PENDING, so a crashed dispatcher cannot strand
	// work.
	ReleaseExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error)

	MarkDeliveredByProviderMessageID(ctx context.Context, providerMessageID string, at time.Time) (int64, error)
	MarkFailedByProviderMessageID(ctx context.Context, providerMessageID string, detail string) (int64, error)

	Stats(ctx context.Context) (*QueueStats, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, j *domain.EmailJob) error {
	model := jobModelFromDomain(j)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if j != nil {
		*j = *jobModelToDomain(model)
	}
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.EmailJob, error) {
	var model EmailJobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailJob, error) {
	var model EmailJobModel
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) List(ctx context.Context, params ListParams) ([]domain.EmailJob, int64, error) {
	query := r.db.WithContext(ctx).Model(&EmailJobModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.OwnerID != nil {
		query = query.Where("owner_id = ?", *params.OwnerID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []EmailJobModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	jobs := make([]domain.EmailJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}

	return jobs, total, nil
}

func (r *GormJobRepo) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.EmailJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Conditional update-then-select in a single statement. SKIP LOCKED keeps
	// concurrent claimers from blocking on or returning the same rows.
	var models []EmailJobModel
	err := r.db.WithContext(ctx).Raw(`
		UPDATE email_jobs
		SET status = ?,
		    first_attempted_at = COALESCE(first_attempted_at, ?),
		    last_attempted_at = ?,
		    updated_at = ?
		WHERE id IN (
			SELECT id FROM email_jobs
			WHERE status = ? AND scheduled_at <= ?
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		domain.StatusProcessing, now, now, now,
		domain.StatusPending, now, limit,
	).Scan(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.EmailJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}

	return jobs, nil
}

func (r *GormJobRepo) CompleteSent(ctx context.Context, id string, providerMessageID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":              domain.StatusSent,
			"provider_message_id": providerMessageID,
			"sent_at":             at,
			"last_error":          nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) RescheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":       domain.StatusPending,
			"scheduled_at": nextAttemptAt,
			"last_error":   lastError,
			"retry_count":  gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) MarkFailed(ctx context.Context, id string, lastError string, deadLetterReason *string, at time.Time) error {
	updates := map[string]any{
		"status":     domain.StatusFailed,
		"last_error": lastError,
	}
	if deadLetterReason != nil {
		updates["dead_lettered_at"] = at
		updates["dead_letter_reason"] = *deadLetterReason
	}

	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) Cancel(ctx context.Context, id string, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusPending, domain.StatusProcessing}).
		Updates(map[string]any{
			"status":     domain.StatusCancelled,
			"last_error": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return domain.ErrAlreadyTerminal
	}
	return domain.ErrConflict
}

func (r *GormJobRepo) ReleaseExpiredLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("status = ? AND last_attempted_at < ?", domain.StatusProcessing, cutoff).
		Update("status", domain.StatusPending)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormJobRepo) MarkDeliveredByProviderMessageID(ctx context.Context, providerMessageID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("provider_message_id = ? AND status NOT IN ?",
			providerMessageID, []domain.Status{domain.StatusFailed, domain.StatusCancelled}).
		Updates(map[string]any{
			"status":     domain.StatusSent,
			"sent_at":    gorm.Expr("COALESCE(sent_at, ?)", at),
			"last_error": nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormJobRepo) MarkFailedByProviderMessageID(ctx context.Context, providerMessageID string, detail string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("provider_message_id = ? AND status <> ?", providerMessageID, domain.StatusCancelled).
		Updates(map[string]any{
			"status":     domain.StatusFailed,
			"last_error": detail,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormJobRepo) Stats(ctx context.Context) (*QueueStats, error) {
	type statusCount struct {
		Status domain.Status `gorm:"column:status"`
		Count  int64         `gorm:"column:count"`
	}

	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{Counts: make(map[domain.Status]int64, len(rows))}
	for _, row := range rows {
		stats.Counts[row.Status] = row.Count
	}

	var avg *float64
	err = r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Select("AVG(EXTRACT(EPOCH FROM sent_at - created_at))").
		Where("status = ? AND sent_at IS NOT NULL", domain.StatusSent).
		Scan(&avg).Error
	if err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgProcessingSeconds = *avg
	}

	var oldest []time.Time
	err = r.db.WithContext(ctx).
		Model(&EmailJobModel{}).
		Where("status = ?", domain.StatusPending).
		Order("created_at ASC").
		Limit(1).
		Pluck("created_at", &oldest).Error
	if err != nil {
		return nil, err
	}
	if len(oldest) > 0 {
		stats.OldestPendingAt = &oldest[0]
	}

	return stats, nil
}

func (r *GormJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]domain.Status{domain.StatusSent, domain.StatusFailed, domain.StatusCancelled}, cutoff).
		Delete(&EmailJobModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

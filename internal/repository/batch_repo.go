package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"gorm.io/gorm"
)

type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetWithProducts(ctx context.Context, id string) (*domain.Batch, error)
	TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus, errMsg *string) error
	RecordError(ctx context.Context, id string, errMsg string) error
	SetJobID(ctx context.Context, id string, jobID string) error
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) GetWithProducts(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).
		Preload("Products", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("position ASC, created_at ASC")
		}).
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	batch := batchModelToDomain(&model)
	if batch.Products == nil {
		batch.Products = []domain.Product{}
	}
	return batch, nil
}

// TransitionStatus moves a batch to `to` only while its status is one of
// `from`. It returns domain.ErrConflict when the row exists in another state.
func (r *GormBatchRepo) TransitionStatus(
	ctx context.Context,
	id string,
	from []domain.BatchStatus,
	to domain.BatchStatus,
	errMsg *string,
) error {
	updates := map[string]any{"status": to}
	switch {
	case errMsg != nil:
		updates["error_message"] = *errMsg
	case to == domain.BatchStatusCompleted:
		// Errors recorded by earlier attempts no longer apply.
		updates["error_message"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// RecordError stores the latest attempt error on a batch that is still in
// flight. Terminal batches keep their final message.
func (r *GormBatchRepo) RecordError(ctx context.Context, id string, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing}).
		Update("error_message", errMsg)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormBatchRepo) SetJobID(ctx context.Context, id string, jobID string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		Update("job_id", jobID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListStale returns batches created before createdBefore that never got a
// job: still pending, or processing without a recorded job id.
func (r *GormBatchRepo) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Batch, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("created_at <= ?", createdBefore).
		Where(r.db.Where("status = ?", domain.BatchStatusPending).
			Or("status = ? AND job_id IS NULL", domain.BatchStatusProcessing)).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, nil
}

func (r *GormBatchRepo) missingOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&BatchModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

package repository

import (
	"context"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const productInsertBatchSize = 100

type ProductRepository interface {
	CreateBatch(ctx context.Context, products []*domain.Product) error
	FindByBatchID(ctx context.Context, batchID string) ([]domain.Product, error)
	SetOutputURLs(ctx context.Context, id string, urls []string) error
	CountByBatchID(ctx context.Context, batchID string) (int64, error)
}

type GormProductRepo struct {
	db *gorm.DB
}

func NewGormProductRepo(db *gorm.DB) *GormProductRepo {
	return &GormProductRepo{db: db}
}

// CreateBatch inserts all products in one transaction; either every row is
// stored or none is.
func (r *GormProductRepo) CreateBatch(ctx context.Context, products []*domain.Product) error {
	models := make([]ProductModel, 0, len(products))
	modelIndexes := make([]int, 0, len(products))
	for i, p := range products {
		if model := productModelFromDomain(p); model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&models, productInsertBatchSize).Error
	})
	if err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		*products[idx] = *productModelToDomain(&models[i])
	}
	return nil
}

func (r *GormProductRepo) FindByBatchID(ctx context.Context, batchID string) ([]domain.Product, error) {
	var models []ProductModel
	err := r.db.WithContext(ctx).
		Where("processing_request_id = ?", batchID).
		Order("position ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return productModelsToDomain(models), nil
}

// SetOutputURLs stores processed URLs once. A product that already has
// outputs yields domain.ErrConflict.
func (r *GormProductRepo) SetOutputURLs(ctx context.Context, id string, urls []string) error {
	result := r.db.WithContext(ctx).
		Model(&ProductModel{}).
		Where("id = ? AND output_image_urls IS NULL", id).
		Update("output_image_urls", pq.StringArray(urls))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&ProductModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *GormProductRepo) CountByBatchID(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ProductModel{}).
		Where("processing_request_id = ?", batchID).
		Count(&count).Error
	return count, err
}

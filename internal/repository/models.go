package repository

import (
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/lib/pq"
)

// BatchModel is the persistence model for the processing_requests table.
type BatchModel struct {
	ID               string             `gorm:"type:uuid;primaryKey"`
	OriginalFilename string             `gorm:"type:varchar(255);not null"`
	Status           domain.BatchStatus `gorm:"type:varchar(20);not null"`
	ErrorMessage     *string            `gorm:"type:text"`
	WebhookURL       *string            `gorm:"type:text"`
	JobID            *string            `gorm:"type:varchar(64)"`
	Products         []ProductModel     `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (BatchModel) TableName() string {
	return "processing_requests"
}

// ProductModel is the persistence model for the products table. URL lists are
// stored as postgres text[] columns; a NULL output list means not processed yet.
type ProductModel struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	BatchID         string         `gorm:"column:processing_request_id;type:uuid;not null"`
	Position        int            `gorm:"not null;default:0"`
	SerialNumber    string         `gorm:"type:varchar(255);not null"`
	ProductName     string         `gorm:"type:varchar(255);not null"`
	InputImageURLs  pq.StringArray `gorm:"column:input_image_urls;type:text[];not null"`
	OutputImageURLs pq.StringArray `gorm:"column:output_image_urls;type:text[]"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:               b.ID,
		OriginalFilename: b.OriginalFilename,
		Status:           b.Status,
		ErrorMessage:     b.ErrorMessage,
		WebhookURL:       b.WebhookURL,
		JobID:            b.JobID,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	b := &domain.Batch{
		ID:               m.ID,
		OriginalFilename: m.OriginalFilename,
		Status:           m.Status,
		ErrorMessage:     m.ErrorMessage,
		WebhookURL:       m.WebhookURL,
		JobID:            m.JobID,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.Products != nil {
		b.Products = productModelsToDomain(m.Products)
	}
	return b
}

func productModelFromDomain(p *domain.Product) *ProductModel {
	if p == nil {
		return nil
	}

	return &ProductModel{
		ID:              p.ID,
		BatchID:         p.BatchID,
		Position:        p.Position,
		SerialNumber:    p.SerialNumber,
		ProductName:     p.ProductName,
		InputImageURLs:  pq.StringArray(cloneStrings(p.InputImageURLs)),
		OutputImageURLs: pq.StringArray(cloneStrings(p.OutputImageURLs)),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func productModelToDomain(m *ProductModel) *domain.Product {
	if m == nil {
		return nil
	}

	return &domain.Product{
		ID:              m.ID,
		BatchID:         m.BatchID,
		Position:        m.Position,
		SerialNumber:    m.SerialNumber,
		ProductName:     m.ProductName,
		InputImageURLs:  cloneStrings(m.InputImageURLs),
		OutputImageURLs: cloneStrings(m.OutputImageURLs),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func productModelsToDomain(models []ProductModel) []domain.Product {
	products := make([]domain.Product, 0, len(models))
	for i := range models {
		products = append(products, *productModelToDomain(&models[i]))
	}
	return products
}

// cloneStrings keeps nil distinct from empty so NULL output columns survive
// the round trip.
func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

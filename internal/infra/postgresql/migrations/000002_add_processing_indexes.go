package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addProcessingIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_processing_indexes",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_products_processing_request_position ON products (processing_request_id, position)`,
				`CREATE INDEX IF NOT EXISTS idx_processing_requests_pending_created ON processing_requests (created_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_processing_requests_job_id ON processing_requests (job_id) WHERE job_id IS NOT NULL`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_processing_requests_job_id`,
				`DROP INDEX IF EXISTS idx_processing_requests_pending_created`,
				`DROP INDEX IF EXISTS idx_products_processing_request_position`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}

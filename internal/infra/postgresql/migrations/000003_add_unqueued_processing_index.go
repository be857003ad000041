package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Supports the stale sweeper query for processing rows that never received a job id.
func addUnqueuedProcessingIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_unqueued_processing_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_processing_requests_unqueued_created ` +
				`ON processing_requests (created_at) WHERE status = 'processing' AND job_id IS NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_processing_requests_unqueued_created`).Error
		},
	}
}

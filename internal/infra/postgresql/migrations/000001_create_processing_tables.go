package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
	"gorm.io/gorm"
)

func createProcessingTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_processing_tables",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.BatchModel{}, &repository.ProductModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ProductModel{}, &repository.BatchModel{})
		},
	}
}

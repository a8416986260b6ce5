package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addDeliveriesRetryIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_deliveries_retry_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_deliveries_retry_due ON deliveries (next_retry_at) WHERE status = 'pending' AND next_retry_at IS NOT NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_deliveries_retry_due`).Error
		},
	}
}

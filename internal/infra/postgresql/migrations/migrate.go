package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/chesshelper/mailrelay/internal/repository"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_email_jobs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.EmailJobModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_claim ON email_jobs (priority, scheduled_at) WHERE status = 'PENDING'`,
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_status_created ON email_jobs (status, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_recipient ON email_jobs (recipient)`,
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_owner_id ON email_jobs (owner_id)`,
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_provider_message_id ON email_jobs (provider_message_id) WHERE provider_message_id IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_lease ON email_jobs (last_attempted_at) WHERE status = 'PROCESSING'`,
					`CREATE INDEX IF NOT EXISTS idx_email_jobs_batch_id ON email_jobs (batch_id) WHERE batch_id IS NOT NULL`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.EmailJobModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_job_id ON delivery_attempts (job_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
			},
		},
		{
			ID: "000003_create_suppression_entries",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.SuppressionModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_suppression_expiry ON suppression_entries (suppressed_until) WHERE suppressed_until IS NOT NULL`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.SuppressionModel{})
			},
		},
		{
			ID: "000004_create_delivery_events",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryEventModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_events_dedupe ON delivery_events (provider_message_id, event_type, occurred_at)`,
					`CREATE INDEX IF NOT EXISTS idx_delivery_events_provider_message_id ON delivery_events (provider_message_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryEventModel{})
			},
		},
		{
			ID: "000005_create_dispatch_batches",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.DispatchBatchModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DispatchBatchModel{})
			},
		},
		{
			ID: "000006_create_retry_policies",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.RetryPolicyModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.RetryPolicyModel{})
			},
		},
	})

	return m.Migrate()
}

package model

import "gorm.io/gorm"

// AutoMigrate runs GORM auto-migration for all persisted models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&ActivationCode{},
		&UsageLog{},
		&ValidationAttempt{},
	); err != nil {
		return err
	}

	// Per-code history is read newest first.
	return db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_code_used_at " +
			"ON usage_logs (code_id, used_at DESC)",
	).Error
}

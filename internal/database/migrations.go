package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tasklane/signal-bridge/internal/audit"
)

const migrationClearTerminalRetrySchedules = "2026-08-12_clear_terminal_retry_schedules"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearTerminalRetrySchedules, apply: clearTerminalRetrySchedules},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearTerminalRetrySchedules removes stale next-retry timestamps left on
// records that reached a terminal status before the pipeline started
// clearing them on finalization.
func clearTerminalRetrySchedules(db *gorm.DB) error {
	return db.Model(&audit.SignalMessage{}).
		Where("status IN ? AND next_retry_at IS NOT NULL", []audit.DeliveryStatus{audit.StatusDelivered, audit.StatusFailed}).
		Update("next_retry_at", nil).Error
}

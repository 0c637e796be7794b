package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stickaround/entitysync/internal/sync"
)

const migrationClearExportSelfMarks = "2026-08-12_clear_export_self_marks"

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
		{name: migrationClearExportSelfMarks, apply: clearExportSelfMarks},
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

// clearExportSelfMarks drops stale pointers that reference the commit the
// partner already saw. An earlier writer could leave them behind, and each
// one causes a pointless re-offer on the next export pass.
func clearExportSelfMarks(db *gorm.DB) error {
	return db.Model(&sync.ExportEntry{}).
		Where("new_commit_id IS NOT NULL AND new_commit_id = commit_id").
		Update("new_commit_id", nil).Error
}

package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stickaround/entitysync/internal/commit"
	"github.com/stickaround/entitysync/internal/entity"
	"github.com/stickaround/entitysync/internal/groupings"
	"github.com/stickaround/entitysync/internal/sync"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&commit.Head{},
		&entity.Object{},
		&groupings.GroupRecord{},
		&sync.PartnerRecord{},
		&sync.CollectionRecord{},
		&sync.ExportEntry{},
		&sync.ImportEntry{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/postsync/internal/placeholder"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the fixture database at path, creates its tables and seeds the placeholder
// dataset the first time the file is used.
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

	models := append(placeholder.Models(), &appliedStep{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := runFixtureSteps(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

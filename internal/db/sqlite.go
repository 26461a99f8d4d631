package db

import (
	"github.com/glebarez/sqlite"
	"github.com/pysugar/session-nexus/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the identity tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.User{}, &models.ProviderLink{}, &models.Device{})
}

package db

import (
	"fmt"

	"github.com/genfin/furrow/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Farmer{},
		&models.Season{},
		&models.Stage{},
		&models.AuditEntry{},
		&models.ScoreSnapshot{},
		&models.Policy{},
		&models.SensorEvent{},
		&models.Upload{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Reset drops every table and migrates them again. All data is lost.
func Reset(db *gorm.DB) error {
	all := AllModels()
	// Drop children before parents.
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop %T: %w", all[i], err)
		}
	}
	return AutoMigrate(db)
}

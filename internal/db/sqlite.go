package db

import (
	"github.com/estiohq/syncd/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models. The unique indexes on Conversation
	// (location, contact) and Message (external id) are required for the
	// reconciler's correctness, not just performance.
	if err := gdb.AutoMigrate(
		&models.Account{},
		&models.Credential{},
		&models.SyncCursor{},
		&models.Contact{},
		&models.Conversation{},
		&models.Message{},
		&models.SyncRunLog{},
	); err != nil {
		return nil, err
	}

	return gdb, nil
}

// internal/database/testdb.go
package database

import (
	"fmt"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shubra2641/liceinc-sub010/internal/models"
)

var testDBSeq int64

// NewTestDB opens an isolated in-memory SQLite database with the full schema
// migrated. Each call gets its own database so tests can run in parallel.
func NewTestDB() (*gorm.DB, error) {
	name := fmt.Sprintf("file:testdb_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))

	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.License{},
		&models.DomainBinding{},
		&models.VerificationLog{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate test database: %w", err)
	}

	return db, nil
}

package database

import (
	"fmt"

	"github.com/formvault/formvault/internal/audit"
	"github.com/formvault/formvault/internal/submissions"
	"github.com/formvault/formvault/internal/surveys"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
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

	models := []any{
		&surveys.Survey{},
		&surveys.SurveyVersion{},
		&submissions.Submission{},
		&submissions.SubmissionSecure{},
		&audit.Entry{},
		&migrationRecord{},
	}
	if err := db.AutoMigrate(models...); err != nil {
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

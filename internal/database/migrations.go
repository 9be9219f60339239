package database

import (
	"errors"
	"time"

	"github.com/formvault/formvault/internal/audit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillAuditMeta = "2026-05-14_backfill_audit_meta"

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
		{name: migrationBackfillAuditMeta, apply: backfillAuditMeta},
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

// Entries written before meta_json gained its NOT NULL default carry NULL
// meta; normalize them to the empty string the model expects.
func backfillAuditMeta(db *gorm.DB) error {
	return db.Model(&audit.Entry{}).
		Where("meta_json IS NULL").
		Update("meta_json", "").Error
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Action tags recorded by this subsystem.
const (
	ActionSurveyCreate    = "survey_create"
	ActionSurveyPublish   = "survey_publish"
	ActionResultsView     = "survey_results_view"
	ActionExportCSV       = "survey_export_csv"
	ActionRetentionDelete = "retention_delete"
)

// Target types recorded by this subsystem.
const (
	TargetSurvey     = "Survey"
	TargetSubmission = "Submission"
)

var (
	errMissingIDProvider = errors.New("audit: id provider is required")
	errMissingDatabase   = errors.New("audit: database handle is required")
	errMissingAction     = errors.New("audit: action is required")
	errMissingTarget     = errors.New("audit: target type and id are required")
)

// Entry is one append-only audit record. Entries are never updated or deleted
// by this subsystem.
type Entry struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	ActorID    *string   `gorm:"column:actor_id;size:190;index:idx_audit_actor"`
	Action     string    `gorm:"column:action;size:64;not null;index:idx_audit_action"`
	TargetType string    `gorm:"column:target_type;size:64;not null;index:idx_audit_target,priority:1"`
	TargetID   string    `gorm:"column:target_id;size:190;not null;index:idx_audit_target,priority:2"`
	MetaJSON   string    `gorm:"column:meta_json;type:text;not null;default:''"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "audit_log_entries"
}

// Record describes one sensitive action to append. A nil ActorID marks a
// system-triggered action such as a retention purge.
type Record struct {
	ActorID    *string
	Action     string
	TargetType string
	TargetID   string
	Meta       any
}

// IDProvider issues identifiers for new entries.
type IDProvider interface {
	NewID() (string, error)
}

// TrailConfig describes the dependencies of a Trail.
type TrailConfig struct {
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Trail appends immutable audit entries. Record writes through whatever
// database handle it is given, so a caller inside a transaction passes its
// open tx and the entry commits or rolls back together with the mutation it
// documents.
type Trail struct {
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewTrail constructs a Trail.
func NewTrail(cfg TrailConfig) (*Trail, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{idProvider: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// Record appends one entry through db. A failed insert is a hard failure of
// the enclosing operation: callers must not commit a mutation whose audit
// entry was lost.
func (t *Trail) Record(ctx context.Context, db *gorm.DB, rec Record) error {
	if db == nil {
		return errMissingDatabase
	}
	if rec.Action == "" {
		return errMissingAction
	}
	if rec.TargetType == "" || rec.TargetID == "" {
		return errMissingTarget
	}

	metaJSON := ""
	if rec.Meta != nil {
		encoded, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("audit: meta serialization failed: %w", err)
		}
		metaJSON = string(encoded)
	}

	entryID, err := t.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("audit: id generation failed: %w", err)
	}

	entry := Entry{
		ID:         entryID,
		ActorID:    rec.ActorID,
		Action:     rec.Action,
		TargetType: rec.TargetType,
		TargetID:   rec.TargetID,
		MetaJSON:   metaJSON,
		CreatedAt:  t.clock().UTC(),
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		t.logger.Error("audit entry insert failed",
			zap.String("action", rec.Action),
			zap.String("target_type", rec.TargetType),
			zap.String("target_id", rec.TargetID),
			zap.Error(err))
		return fmt.Errorf("audit: entry insert failed: %w", err)
	}
	return nil
}

// ForTarget returns all entries recorded against one target, oldest first.
func (t *Trail) ForTarget(ctx context.Context, db *gorm.DB, targetType, targetID string) ([]Entry, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	var entries []Entry
	err := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: target query failed: %w", err)
	}
	return entries, nil
}

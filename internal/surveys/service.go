package surveys

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/formvault/formvault/internal/audit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the survey does not exist or is not visible to the caller.
	ErrNotFound = errors.New("surveys: not found")
	// ErrNotOwner indicates the survey exists but belongs to another owner.
	ErrNotOwner = errors.New("surveys: caller is not the owner")
	// ErrInvalidSlug indicates the slug is empty or not URL-safe.
	ErrInvalidSlug = errors.New("surveys: invalid slug")
	// ErrInvalidName indicates the survey name is empty.
	ErrInvalidName = errors.New("surveys: invalid name")
	// ErrInvalidRetentionDays indicates the retention policy is out of bounds.
	ErrInvalidRetentionDays = errors.New("surveys: retention days out of bounds")
	// ErrSlugTaken indicates another survey already uses the slug.
	ErrSlugTaken = errors.New("surveys: slug already in use")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// IDProvider issues identifiers for surveys and versions.
type IDProvider interface {
	NewID() (string, error)
}

// AuditRecorder appends audit entries through the provided database handle.
type AuditRecorder interface {
	Record(ctx context.Context, db *gorm.DB, rec audit.Record) error
}

// ServiceConfig describes the dependencies of the survey registry.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Audit      AuditRecorder
	Logger     *zap.Logger
}

// Service manages survey registrations, published versions, and the
// fail-closed ownership gate used by owner-facing read paths.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	audit      AuditRecorder
	logger     *zap.Logger
}

// NewService constructs the survey registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("surveys: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("surveys: id provider required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("surveys: audit trail required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		audit:      cfg.Audit,
		logger:     logger,
	}, nil
}

// Create registers a new draft survey for the owner and audits the creation.
// A zero retentionDays selects the default policy.
func (s *Service) Create(ctx context.Context, ownerID, name, slug string, retentionDays int) (Survey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Survey{}, ErrInvalidName
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugPattern.MatchString(slug) {
		return Survey{}, fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	if retentionDays == 0 {
		retentionDays = DefaultRetentionDays
	}
	if retentionDays < MinRetentionDays || retentionDays > MaxRetentionDays {
		return Survey{}, fmt.Errorf("%w: %d", ErrInvalidRetentionDays, retentionDays)
	}

	surveyID, err := s.idProvider.NewID()
	if err != nil {
		return Survey{}, fmt.Errorf("surveys: id generation failed: %w", err)
	}

	now := s.clock().UTC()
	survey := Survey{
		ID:            surveyID,
		OwnerID:       ownerID,
		Slug:          slug,
		Name:          name,
		Status:        StatusDraft,
		RetentionDays: retentionDays,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Survey{}).Where("slug = ?", slug).Count(&existing).Error; err != nil {
			return fmt.Errorf("surveys: slug lookup failed: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: %q", ErrSlugTaken, slug)
		}
		if err := tx.Create(&survey).Error; err != nil {
			return fmt.Errorf("surveys: insert failed: %w", err)
		}
		return s.audit.Record(ctx, tx, audit.Record{
			ActorID:    &ownerID,
			Action:     audit.ActionSurveyCreate,
			TargetType: audit.TargetSurvey,
			TargetID:   surveyID,
			Meta:       map[string]any{"slug": slug, "retentionDays": retentionDays},
		})
	})
	if txErr != nil {
		return Survey{}, txErr
	}
	return survey, nil
}

// Publish creates the next immutable version from schemaJSON and marks the
// survey published with that version as current.
func (s *Service) Publish(ctx context.Context, ownerID, surveyID, schemaJSON string) (int, error) {
	versionID, err := s.idProvider.NewID()
	if err != nil {
		return 0, fmt.Errorf("surveys: id generation failed: %w", err)
	}

	var versionNumber int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		survey, err := loadOwned(tx, surveyID, ownerID)
		if err != nil {
			return err
		}

		var maxVersion int
		row := tx.Model(&SurveyVersion{}).
			Where("survey_id = ?", surveyID).
			Select("COALESCE(MAX(version), 0)").
			Row()
		if err := row.Scan(&maxVersion); err != nil {
			return fmt.Errorf("surveys: version lookup failed: %w", err)
		}
		versionNumber = maxVersion + 1

		now := s.clock().UTC()
		version := SurveyVersion{
			ID:         versionID,
			SurveyID:   surveyID,
			Version:    versionNumber,
			SchemaJSON: schemaJSON,
			CreatedAt:  now,
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("surveys: version insert failed: %w", err)
		}

		updates := map[string]any{
			"status":             StatusPublished,
			"current_version_id": versionID,
			"updated_at":         now,
		}
		if err := tx.Model(&Survey{}).Where("id = ?", survey.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("surveys: publish update failed: %w", err)
		}

		return s.audit.Record(ctx, tx, audit.Record{
			ActorID:    &ownerID,
			Action:     audit.ActionSurveyPublish,
			TargetType: audit.TargetSurvey,
			TargetID:   surveyID,
			Meta:       map[string]any{"version": versionNumber},
		})
	})
	if txErr != nil {
		return 0, txErr
	}
	return versionNumber, nil
}

// BySlugPublished resolves a slug to its published survey and current
// version. Unknown slugs and unpublished surveys both return ErrNotFound so
// the public intake path reveals nothing about drafts.
func (s *Service) BySlugPublished(ctx context.Context, slug string) (Survey, SurveyVersion, error) {
	var survey Survey
	err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&survey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Survey{}, SurveyVersion{}, ErrNotFound
	}
	if err != nil {
		return Survey{}, SurveyVersion{}, fmt.Errorf("surveys: slug query failed: %w", err)
	}
	if survey.Status != StatusPublished || survey.CurrentVersionID == nil {
		return Survey{}, SurveyVersion{}, ErrNotFound
	}

	var version SurveyVersion
	err = s.db.WithContext(ctx).Where("id = ?", *survey.CurrentVersionID).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Survey{}, SurveyVersion{}, ErrNotFound
	}
	if err != nil {
		return Survey{}, SurveyVersion{}, fmt.Errorf("surveys: version query failed: %w", err)
	}
	return survey, version, nil
}

// ByIDOwned is the authorization gate for owner-triggered reads: it returns
// the survey only when it exists and belongs to ownerID, failing closed
// otherwise.
func (s *Service) ByIDOwned(ctx context.Context, surveyID, ownerID string) (Survey, error) {
	survey, err := loadOwned(s.db.WithContext(ctx), surveyID, ownerID)
	if err != nil {
		return Survey{}, err
	}
	return survey, nil
}

func loadOwned(db *gorm.DB, surveyID, ownerID string) (Survey, error) {
	var survey Survey
	err := db.Where("id = ?", surveyID).Take(&survey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Survey{}, ErrNotFound
	}
	if err != nil {
		return Survey{}, fmt.Errorf("surveys: query failed: %w", err)
	}
	if survey.OwnerID != ownerID {
		return Survey{}, ErrNotOwner
	}
	return survey, nil
}

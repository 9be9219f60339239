package surveys

import "time"

// Survey status values.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Retention policy bounds. A survey's policy applies to submissions created
// while it is in force; changing it never retroactively alters the deadline
// of an already-created submission.
const (
	DefaultRetentionDays = 365
	MinRetentionDays     = 1
	MaxRetentionDays     = 3650
)

// Survey is the owner-facing registration of one survey, including its
// retention policy. Field schemas live on SurveyVersion rows so published
// versions stay immutable.
type Survey struct {
	ID               string    `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string    `gorm:"column:owner_id;size:190;not null;index"`
	Slug             string    `gorm:"column:slug;size:190;not null;uniqueIndex"`
	Name             string    `gorm:"column:name;size:320;not null"`
	Status           string    `gorm:"column:status;size:32;not null;default:'draft'"`
	CurrentVersionID *string   `gorm:"column:current_version_id;size:190"`
	RetentionDays    int       `gorm:"column:retention_days;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Survey) TableName() string {
	return "surveys"
}

// SurveyVersion is one immutable published snapshot of a survey's schema.
type SurveyVersion struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	SurveyID   string    `gorm:"column:survey_id;size:190;not null;index:idx_survey_versions_survey,priority:1"`
	Version    int       `gorm:"column:version;not null;index:idx_survey_versions_survey,priority:2"`
	SchemaJSON string    `gorm:"column:schema_json;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SurveyVersion) TableName() string {
	return "survey_versions"
}

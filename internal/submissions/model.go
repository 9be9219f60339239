package submissions

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAnswers indicates the answer map is not a flat mapping of scalar
// values.
var ErrInvalidAnswers = errors.New("submissions: answers must be a flat map of scalar values")

// AnswerValue is one respondent answer: a string, number, boolean, or nil.
// ValidateAnswers enforces the union at the store boundary; inside the store
// answers are treated as opaque serializable values.
type AnswerValue = any

// ValidateAnswers rejects any value outside the scalar union. Numeric values
// arrive as float64 from JSON decoding; int is accepted for programmatic
// callers.
func ValidateAnswers(answers map[string]AnswerValue) error {
	for key, value := range answers {
		switch value.(type) {
		case nil, string, bool, float64, int:
		default:
			return fmt.Errorf("%w: field %q has type %T", ErrInvalidAnswers, key, value)
		}
	}
	return nil
}

// Submission is one respondent's answer to one published survey version. The
// row carries no answer data; that lives on the SubmissionSecure sibling.
// SubmittedAt and RetentionDeadlineAt are immutable once written.
type Submission struct {
	ID                  string    `gorm:"column:id;primaryKey;size:190;not null"`
	SurveyID            string    `gorm:"column:survey_id;size:190;not null;index:idx_submissions_survey,priority:1"`
	VersionID           string    `gorm:"column:version_id;size:190;not null"`
	SubmittedAt         time.Time `gorm:"column:submitted_at;not null;index:idx_submissions_survey,priority:2"`
	RetentionDeadlineAt time.Time `gorm:"column:retention_deadline_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// SubmissionSecure holds the encrypted answer payload for exactly one
// Submission. Both rows are created in one transaction and deleted in one
// transaction; neither ever exists without the other.
type SubmissionSecure struct {
	SubmissionID string `gorm:"column:submission_id;primaryKey;size:190;not null"`
	KeyID        string `gorm:"column:key_id;size:32;not null"`
	IV           []byte `gorm:"column:iv;type:blob;not null"`
	AuthTag      []byte `gorm:"column:auth_tag;type:blob;not null"`
	Ciphertext   []byte `gorm:"column:ciphertext;type:blob;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionSecure) TableName() string {
	return "submission_secure"
}

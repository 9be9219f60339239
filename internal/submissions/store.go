package submissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formvault/formvault/internal/audit"
	"github.com/formvault/formvault/internal/secure"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCipher     = errors.New("envelope cipher is required")
	errMissingAuditTrail = errors.New("audit trail is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew      = "submissions.store.new"
	opCreate        = "submissions.create"
	opListDecrypted = "submissions.list_decrypted"
	opPurgeExpired  = "submissions.purge_expired"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Decrypt-error markers carried on rows whose payload could not be recovered.
const (
	DecryptErrorFailed     = "decrypt_failed"
	DecryptErrorMalformed  = "malformed_plaintext"
	DecryptErrorRowMissing = "secure_row_missing"
)

// ListOrder selects the submitted-at ordering for reads.
type ListOrder string

const (
	// OrderAsc returns oldest submissions first.
	OrderAsc ListOrder = "asc"
	// OrderDesc returns newest submissions first.
	OrderDesc ListOrder = "desc"
)

// DefaultPurgeLimit bounds one purge invocation when the caller passes no
// limit.
const DefaultPurgeLimit = 500

// Cipher seals and opens submission payloads.
type Cipher interface {
	Encrypt(payload secure.Payload, keyID string) (secure.EncryptedBlob, error)
	Decrypt(blob secure.EncryptedBlob) (secure.Payload, error)
}

// AuditRecorder appends audit entries through the provided database handle.
type AuditRecorder interface {
	Record(ctx context.Context, db *gorm.DB, rec audit.Record) error
}

// IDProvider issues submission identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the submission store.
type StoreConfig struct {
	Database   *gorm.DB
	Cipher     Cipher
	Audit      AuditRecorder
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns the Submission/SubmissionSecure pair: anonymous encrypted
// creation, batch decrypt-on-read with per-row failure isolation, and the
// retention purge that hard-deletes expired rows with their audit records in
// one transaction.
type Store struct {
	db         *gorm.DB
	cipher     Cipher
	audit      AuditRecorder
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cipher == nil {
		return nil, newServiceError(opStoreNew, "missing_cipher", errMissingCipher)
	}
	if cfg.Audit == nil {
		return nil, newServiceError(opStoreNew, "missing_audit_trail", errMissingAuditTrail)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		cipher:     cfg.Cipher,
		audit:      cfg.Audit,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateParams describes one incoming submission. Answers must already be
// shape-validated at the intake boundary; the store re-checks the scalar
// union before encrypting.
type CreateParams struct {
	SurveyID      string
	VersionID     string
	SchemaVersion int
	RetentionDays int
	Answers       map[string]AnswerValue
}

// Create encrypts the answers, computes the immutable retention deadline from
// the policy in force now, and persists the Submission/SubmissionSecure pair
// in one transaction. The anonymous respondent path writes no audit entry.
func (s *Store) Create(ctx context.Context, params CreateParams) (string, error) {
	if params.SurveyID == "" || params.VersionID == "" {
		return "", newServiceError(opCreate, "missing_survey", errors.New("survey and version ids are required"))
	}
	if params.RetentionDays < 1 || params.RetentionDays > 3650 {
		return "", newServiceError(opCreate, "invalid_retention", fmt.Errorf("retention of %d days out of bounds", params.RetentionDays))
	}
	if err := ValidateAnswers(params.Answers); err != nil {
		return "", newServiceError(opCreate, "invalid_answers", err)
	}

	submittedAt := s.clock().UTC()
	deadline := submittedAt.Add(time.Duration(params.RetentionDays) * 24 * time.Hour)

	answers := params.Answers
	if answers == nil {
		answers = map[string]AnswerValue{}
	}
	blob, err := s.cipher.Encrypt(secure.Payload{Answers: answers, Version: params.SchemaVersion}, secure.DefaultKeyID)
	if err != nil {
		s.logError(opCreate, "encrypt_failed", err, zap.String("survey_id", params.SurveyID))
		return "", newServiceError(opCreate, "encrypt_failed", err)
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return "", newServiceError(opCreate, "id_generation_failed", err)
	}

	submission := Submission{
		ID:                  submissionID,
		SurveyID:            params.SurveyID,
		VersionID:           params.VersionID,
		SubmittedAt:         submittedAt,
		RetentionDeadlineAt: deadline,
	}
	securedRow := SubmissionSecure{
		SubmissionID: submissionID,
		KeyID:        blob.KeyID,
		IV:           blob.IV,
		AuthTag:      blob.AuthTag,
		Ciphertext:   blob.Ciphertext,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&submission).Error; err != nil {
			return newServiceError(opCreate, "submission_insert_failed", err)
		}
		if err := tx.Create(&securedRow).Error; err != nil {
			return newServiceError(opCreate, "secure_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr, zap.String("survey_id", params.SurveyID))
		return "", txErr
	}

	return submissionID, nil
}

// DecryptedSubmission is one read-path row. DecryptError is empty on success;
// otherwise it carries a marker code and Answers is nil — a failed row never
// aborts the batch it belongs to.
type DecryptedSubmission struct {
	ID           string
	SubmittedAt  time.Time
	Version      int
	Answers      map[string]AnswerValue
	DecryptError string
}

// ListDecrypted loads a survey's submissions and decrypts each one, isolating
// per-row decrypt failures so one corrupted or mis-keyed row does not hide
// the rest of the results. A limit of zero or less returns all rows.
func (s *Store) ListDecrypted(ctx context.Context, surveyID string, limit int, order ListOrder) ([]DecryptedSubmission, error) {
	if surveyID == "" {
		return nil, newServiceError(opListDecrypted, "missing_survey", errors.New("survey id is required"))
	}

	direction := "ASC"
	if order == OrderDesc {
		direction = "DESC"
	}

	query := s.db.WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order(fmt.Sprintf("submitted_at %s, id %s", direction, direction))
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []Submission
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opListDecrypted, "query_failed", err, zap.String("survey_id", surveyID))
		return nil, newServiceError(opListDecrypted, "query_failed", err)
	}
	if len(rows) == 0 {
		return []DecryptedSubmission{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var securedRows []SubmissionSecure
	if err := s.db.WithContext(ctx).Where("submission_id IN ?", ids).Find(&securedRows).Error; err != nil {
		s.logError(opListDecrypted, "secure_query_failed", err, zap.String("survey_id", surveyID))
		return nil, newServiceError(opListDecrypted, "secure_query_failed", err)
	}
	securedByID := make(map[string]SubmissionSecure, len(securedRows))
	for _, securedRow := range securedRows {
		securedByID[securedRow.SubmissionID] = securedRow
	}

	results := make([]DecryptedSubmission, 0, len(rows))
	for _, row := range rows {
		results = append(results, s.decryptRow(row, securedByID))
	}
	return results, nil
}

func (s *Store) decryptRow(row Submission, securedByID map[string]SubmissionSecure) DecryptedSubmission {
	result := DecryptedSubmission{ID: row.ID, SubmittedAt: row.SubmittedAt}

	securedRow, ok := securedByID[row.ID]
	if !ok {
		s.logger.Error("secure row missing for submission", zap.String("submission_id", row.ID))
		result.DecryptError = DecryptErrorRowMissing
		return result
	}

	payload, err := s.cipher.Decrypt(secure.EncryptedBlob{
		KeyID:      securedRow.KeyID,
		IV:         securedRow.IV,
		AuthTag:    securedRow.AuthTag,
		Ciphertext: securedRow.Ciphertext,
	})
	switch {
	case errors.Is(err, secure.ErrMalformedPlaintext):
		// Data corruption: the row should be quarantined, not hidden.
		s.logger.Error("submission plaintext malformed",
			zap.String("submission_id", row.ID),
			zap.Error(err))
		result.DecryptError = DecryptErrorMalformed
	case err != nil:
		// Tag verification failure is a security event.
		s.logger.Error("submission decrypt failed",
			zap.String("submission_id", row.ID),
			zap.String("key_id", securedRow.KeyID),
			zap.Error(err))
		result.DecryptError = DecryptErrorFailed
	default:
		result.Answers = payload.Answers
		result.Version = payload.Version
	}
	return result
}

// PurgeExpired hard-deletes up to limit submissions whose retention deadline
// has passed. Each deleted id gets a retention_delete audit entry written in
// the same transaction as the batch delete; the whole batch commits or rolls
// back as a unit. Rows already deleted by a concurrent purge are tolerated:
// the id-set delete is naturally idempotent.
func (s *Store) PurgeExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultPurgeLimit
	}
	now := s.clock().UTC()

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("retention_deadline_at <= ?", now).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		s.logError(opPurgeExpired, "scan_failed", err)
		return 0, newServiceError(opPurgeExpired, "scan_failed", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, submissionID := range ids {
			err := s.audit.Record(ctx, tx, audit.Record{
				ActorID:    nil,
				Action:     audit.ActionRetentionDelete,
				TargetType: audit.TargetSubmission,
				TargetID:   submissionID,
				Meta:       map[string]string{"strategy": "hard", "reason": "retention_expired"},
			})
			if err != nil {
				return newServiceError(opPurgeExpired, "audit_insert_failed", err)
			}
		}
		if err := tx.Where("submission_id IN ?", ids).Delete(&SubmissionSecure{}).Error; err != nil {
			return newServiceError(opPurgeExpired, "secure_delete_failed", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Submission{}).Error; err != nil {
			return newServiceError(opPurgeExpired, "submission_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPurgeExpired, "transaction_failed", txErr, zap.Int("batch_size", len(ids)))
		return 0, txErr
	}

	s.logger.Info("expired submissions purged", zap.Int("deleted", len(ids)))
	return len(ids), nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("submission store error", attrs...)
}

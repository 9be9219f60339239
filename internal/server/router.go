package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formvault/formvault/internal/audit"
	"github.com/formvault/formvault/internal/retention"
	"github.com/formvault/formvault/internal/submissions"
	"github.com/formvault/formvault/internal/surveys"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ownerIDContextKey = "formvault_owner_id"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingSurveyService   = errors.New("survey service dependency required")
	errMissingSubmissionStore = errors.New("submission store dependency required")
	errMissingEnforcer        = errors.New("retention enforcer dependency required")
	errMissingAuditTrail      = errors.New("audit trail dependency required")
	errMissingDatabase        = errors.New("database dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// OwnerTokenManager issues and validates owner bearer tokens.
type OwnerTokenManager interface {
	IssueOwnerToken(ctx context.Context, ownerID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// SurveyService is the survey registry slice the router needs.
type SurveyService interface {
	Create(ctx context.Context, ownerID, name, slug string, retentionDays int) (surveys.Survey, error)
	Publish(ctx context.Context, ownerID, surveyID, schemaJSON string) (int, error)
	BySlugPublished(ctx context.Context, slug string) (surveys.Survey, surveys.SurveyVersion, error)
	ByIDOwned(ctx context.Context, surveyID, ownerID string) (surveys.Survey, error)
}

// SubmissionStore is the store slice the router needs.
type SubmissionStore interface {
	Create(ctx context.Context, params submissions.CreateParams) (string, error)
	ListDecrypted(ctx context.Context, surveyID string, limit int, order submissions.ListOrder) ([]submissions.DecryptedSubmission, error)
}

// AuditRecorder appends audit entries for owner-triggered reads.
type AuditRecorder interface {
	Record(ctx context.Context, db *gorm.DB, rec audit.Record) error
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager    OwnerTokenManager
	Surveys         SurveyService
	Submissions     SubmissionStore
	Enforcer        *retention.Enforcer
	Audit           AuditRecorder
	Database        *gorm.DB
	CronSecret      string
	OwnerID         string
	OwnerCredential string
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router: anonymous submission intake, the
// owner-gated results and export paths, and the secret-gated retention
// trigger.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Surveys == nil {
		return nil, errMissingSurveyService
	}
	if deps.Submissions == nil {
		return nil, errMissingSubmissionStore
	}
	if deps.Enforcer == nil {
		return nil, errMissingEnforcer
	}
	if deps.Audit == nil {
		return nil, errMissingAuditTrail
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:          deps.TokenManager,
		surveys:         deps.Surveys,
		store:           deps.Submissions,
		enforcer:        deps.Enforcer,
		audit:           deps.Audit,
		db:              deps.Database,
		cronSecret:      deps.CronSecret,
		ownerID:         deps.OwnerID,
		ownerCredential: deps.OwnerCredential,
		logger:          logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/s/:slug/submissions", handler.handleIntake)
	router.POST("/jobs/retention", handler.handleRetentionTrigger)
	router.GET("/jobs/retention", handler.handleRetentionTrigger)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/surveys", handler.handleCreateSurvey)
	protected.POST("/surveys/:id/publish", handler.handlePublishSurvey)
	protected.GET("/surveys/:id/results", handler.handleResults)
	protected.GET("/surveys/:id/export.csv", handler.handleExportCSV)

	return router, nil
}

type httpHandler struct {
	tokens          OwnerTokenManager
	surveys         SurveyService
	store           SubmissionStore
	enforcer        *retention.Enforcer
	audit           AuditRecorder
	db              *gorm.DB
	cronSecret      string
	ownerID         string
	ownerCredential string
	logger          *zap.Logger
}

type loginRequestPayload struct {
	Credential string `json:"credential"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Credential == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Fail closed when no owner credential is configured.
	if h.ownerCredential == "" ||
		subtle.ConstantTimeCompare([]byte(request.Credential), []byte(h.ownerCredential)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueOwnerToken(c.Request.Context(), h.ownerID)
	if err != nil {
		h.logger.Error("failed to issue owner token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type intakeRequestPayload struct {
	Answers map[string]any `json:"answers"`
}

func (h *httpHandler) handleIntake(c *gin.Context) {
	var request intakeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := submissions.ValidateAnswers(request.Answers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	survey, version, err := h.surveys.BySlugPublished(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, surveys.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "survey_not_found_or_unpublished"})
		return
	}
	if err != nil {
		h.logger.Error("survey lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	submissionID, err := h.store.Create(c.Request.Context(), submissions.CreateParams{
		SurveyID:      survey.ID,
		VersionID:     version.ID,
		SchemaVersion: version.Version,
		RetentionDays: survey.RetentionDays,
		Answers:       request.Answers,
	})
	if errors.Is(err, submissions.ErrInvalidAnswers) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err != nil {
		h.logger.Error("submission create failed",
			zap.String("survey_id", survey.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": submissionID})
}

type createSurveyRequestPayload struct {
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	RetentionDays int    `json:"retention_days"`
}

func (h *httpHandler) handleCreateSurvey(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createSurveyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	survey, err := h.surveys.Create(c.Request.Context(), ownerID, request.Name, request.Slug, request.RetentionDays)
	switch {
	case errors.Is(err, surveys.ErrInvalidName), errors.Is(err, surveys.ErrInvalidSlug):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, surveys.ErrInvalidRetentionDays):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_retention_days"})
	case errors.Is(err, surveys.ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "slug_taken"})
	case err != nil:
		h.logger.Error("survey create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	default:
		c.JSON(http.StatusCreated, gin.H{"id": survey.ID, "slug": survey.Slug})
	}
}

type publishSurveyRequestPayload struct {
	Schema any `json:"schema"`
}

func (h *httpHandler) handlePublishSurvey(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// An absent body publishes with an empty schema; a body that fails to
	// parse is a caller error, not an empty schema.
	schemaJSON := "{}"
	var request publishSurveyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		if !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	} else if request.Schema != nil {
		encoded, err := jsonMarshal(request.Schema)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		schemaJSON = encoded
	}

	version, err := h.surveys.Publish(c.Request.Context(), ownerID, c.Param("id"), schemaJSON)
	if err != nil {
		h.respondOwnedLookupError(c, err, "survey publish failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

type resultRowPayload struct {
	ID          string         `json:"id"`
	SubmittedAt string         `json:"submitted_at"`
	Version     int            `json:"version"`
	Answers     map[string]any `json:"answers,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (h *httpHandler) handleResults(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	survey, rows, ok := h.loadOwnedRows(c, ownerID)
	if !ok {
		return
	}

	err := h.audit.Record(c.Request.Context(), h.db, audit.Record{
		ActorID:    &ownerID,
		Action:     audit.ActionResultsView,
		TargetType: audit.TargetSurvey,
		TargetID:   survey.ID,
		Meta:       map[string]any{"rowCount": len(rows)},
	})
	if err != nil {
		h.logger.Error("results audit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	payload := make([]resultRowPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, resultRowPayload{
			ID:          row.ID,
			SubmittedAt: row.SubmittedAt.UTC().Format(time.RFC3339),
			Version:     row.Version,
			Answers:     row.Answers,
			Error:       row.DecryptError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rows": payload})
}

func (h *httpHandler) handleExportCSV(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	survey, rows, ok := h.loadOwnedRows(c, ownerID)
	if !ok {
		return
	}

	csv, columns := submissions.ProjectCSV(rows)

	err := h.audit.Record(c.Request.Context(), h.db, audit.Record{
		ActorID:    &ownerID,
		Action:     audit.ActionExportCSV,
		TargetType: audit.TargetSurvey,
		TargetID:   survey.ID,
		Meta:       map[string]any{"columns": columns, "rowCount": len(rows)},
	})
	if err != nil {
		h.logger.Error("export audit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=survey-%s-export.csv", survey.Slug))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(csv))
}

// loadOwnedRows runs the ownership gate and loads the survey's decrypted
// rows, writing the error response itself when either step fails.
func (h *httpHandler) loadOwnedRows(c *gin.Context, ownerID string) (surveys.Survey, []submissions.DecryptedSubmission, bool) {
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return surveys.Survey{}, nil, false
	}

	survey, err := h.surveys.ByIDOwned(c.Request.Context(), c.Param("id"), ownerID)
	if err != nil {
		h.respondOwnedLookupError(c, err, "survey lookup failed")
		return surveys.Survey{}, nil, false
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return surveys.Survey{}, nil, false
		}
		limit = parsed
	}

	rows, err := h.store.ListDecrypted(c.Request.Context(), survey.ID, limit, submissions.OrderAsc)
	if err != nil {
		h.logger.Error("submission read failed",
			zap.String("survey_id", survey.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return surveys.Survey{}, nil, false
	}
	return survey, rows, true
}

// respondOwnedLookupError maps ownership-gate failures to responses. Both
// unknown ids and other owners' surveys read as not found, so the API leaks
// nothing about surveys the caller cannot see.
func (h *httpHandler) respondOwnedLookupError(c *gin.Context, err error, logMessage string) {
	switch {
	case errors.Is(err, surveys.ErrNotFound), errors.Is(err, surveys.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error(logMessage, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

func (h *httpHandler) handleRetentionTrigger(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if h.cronSecret == "" || !strings.HasPrefix(header, "Bearer ") ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := retention.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	deleted, err := h.enforcer.RunOnce(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("retention trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": deleted})
}

func jsonMarshal(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}

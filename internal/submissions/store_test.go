package submissions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/formvault/formvault/internal/audit"
	"github.com/formvault/formvault/internal/keyring"
	"github.com/formvault/formvault/internal/secure"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testKeyBase64 = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // "0123456789abcdef0123456789abcdef"

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:submissions_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Submission{}, &SubmissionSecure{}, &audit.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	trail, err := audit.NewTrail(audit.TrailConfig{
		IDProvider: &sequenceIDGenerator{prefix: "audit"},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct trail: %v", err)
	}

	ring := keyring.NewRing(map[string]string{"v1": testKeyBase64})
	store, err := NewStore(StoreConfig{
		Database:   db,
		Cipher:     secure.NewCipher(ring),
		Audit:      trail,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{prefix: "submission"},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db, clock
}

func createTestSubmission(t *testing.T, store *Store, answers map[string]AnswerValue) string {
	t.Helper()
	id, err := store.Create(context.Background(), CreateParams{
		SurveyID:      "survey-1",
		VersionID:     "version-1",
		SchemaVersion: 1,
		RetentionDays: 30,
		Answers:       answers,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return id
}

func TestCreatePersistsEncryptedPairWithDeadline(t *testing.T) {
	store, db, clock := newTestStore(t)

	id := createTestSubmission(t, store, map[string]AnswerValue{"q1": "hello"})

	var stored Submission
	if err := db.Where("id = ?", id).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load submission: %v", err)
	}
	if !stored.SubmittedAt.Equal(clock.now) {
		t.Fatalf("unexpected submitted at: %v", stored.SubmittedAt)
	}
	expectedDeadline := clock.now.Add(30 * 24 * time.Hour)
	if !stored.RetentionDeadlineAt.Equal(expectedDeadline) {
		t.Fatalf("expected deadline %v, got %v", expectedDeadline, stored.RetentionDeadlineAt)
	}

	var securedRow SubmissionSecure
	if err := db.Where("submission_id = ?", id).Take(&securedRow).Error; err != nil {
		t.Fatalf("failed to load secure row: %v", err)
	}
	if securedRow.KeyID != "v1" {
		t.Fatalf("expected key id v1, got %q", securedRow.KeyID)
	}
	if len(securedRow.IV) != 12 || len(securedRow.AuthTag) != 16 || len(securedRow.Ciphertext) == 0 {
		t.Fatalf("unexpected blob shape: iv=%d tag=%d ct=%d", len(securedRow.IV), len(securedRow.AuthTag), len(securedRow.Ciphertext))
	}
}

func TestCreateWritesNoAuditEntry(t *testing.T) {
	store, db, _ := newTestStore(t)

	createTestSubmission(t, store, map[string]AnswerValue{"q1": "hello"})

	var count int64
	if err := db.Model(&audit.Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("anonymous creation must not be audited, found %d entries", count)
	}
}

func TestCreateRejectsNestedAnswerValues(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Create(context.Background(), CreateParams{
		SurveyID:      "survey-1",
		VersionID:     "version-1",
		SchemaVersion: 1,
		RetentionDays: 30,
		Answers:       map[string]AnswerValue{"q1": map[string]any{"nested": true}},
	})
	if !errors.Is(err, ErrInvalidAnswers) {
		t.Fatalf("expected ErrInvalidAnswers, got %v", err)
	}
}

func TestCreateRejectsRetentionOutOfBounds(t *testing.T) {
	store, _, _ := newTestStore(t)

	for _, days := range []int{0, -5, 3651} {
		_, err := store.Create(context.Background(), CreateParams{
			SurveyID:      "survey-1",
			VersionID:     "version-1",
			SchemaVersion: 1,
			RetentionDays: days,
			Answers:       map[string]AnswerValue{},
		})
		if err == nil {
			t.Fatalf("expected error for %d retention days", days)
		}
	}
}

func TestDeadlineUnaffectedByLaterPolicyValues(t *testing.T) {
	store, db, clock := newTestStore(t)

	first, err := store.Create(context.Background(), CreateParams{
		SurveyID:      "survey-1",
		VersionID:     "version-1",
		SchemaVersion: 1,
		RetentionDays: 30,
		Answers:       map[string]AnswerValue{},
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	firstDeadline := clock.now.Add(30 * 24 * time.Hour)

	// A later submission under a tightened policy leaves the first row's
	// stored deadline untouched.
	clock.Advance(time.Hour)
	_, err = store.Create(context.Background(), CreateParams{
		SurveyID:      "survey-1",
		VersionID:     "version-1",
		SchemaVersion: 1,
		RetentionDays: 1,
		Answers:       map[string]AnswerValue{},
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	var stored Submission
	if err := db.Where("id = ?", first).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload first submission: %v", err)
	}
	if !stored.RetentionDeadlineAt.Equal(firstDeadline) {
		t.Fatalf("deadline changed: expected %v, got %v", firstDeadline, stored.RetentionDeadlineAt)
	}
}

func TestListDecryptedRoundTrips(t *testing.T) {
	store, _, clock := newTestStore(t)

	firstID := createTestSubmission(t, store, map[string]AnswerValue{"q1": "first", "q2": float64(1)})
	clock.Advance(time.Minute)
	secondID := createTestSubmission(t, store, map[string]AnswerValue{"q1": "second"})

	rows, err := store.ListDecrypted(context.Background(), "survey-1", 0, OrderAsc)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != firstID || rows[1].ID != secondID {
		t.Fatalf("unexpected ascending order: %s, %s", rows[0].ID, rows[1].ID)
	}
	if rows[0].Answers["q1"] != "first" || rows[0].Answers["q2"] != float64(1) {
		t.Fatalf("unexpected answers: %#v", rows[0].Answers)
	}
	if rows[0].Version != 1 {
		t.Fatalf("expected schema version 1, got %d", rows[0].Version)
	}

	descending, err := store.ListDecrypted(context.Background(), "survey-1", 1, OrderDesc)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(descending) != 1 || descending[0].ID != secondID {
		t.Fatalf("expected newest-first limited read, got %#v", descending)
	}
}

func TestListDecryptedIsolatesCorruptedRow(t *testing.T) {
	store, db, clock := newTestStore(t)

	createTestSubmission(t, store, map[string]AnswerValue{"q1": "first"})
	clock.Advance(time.Minute)
	corruptedID := createTestSubmission(t, store, map[string]AnswerValue{"q1": "second"})
	clock.Advance(time.Minute)
	createTestSubmission(t, store, map[string]AnswerValue{"q1": "third"})

	var securedRow SubmissionSecure
	if err := db.Where("submission_id = ?", corruptedID).Take(&securedRow).Error; err != nil {
		t.Fatalf("failed to load secure row: %v", err)
	}
	securedRow.Ciphertext[0] ^= 0x01
	if err := db.Model(&SubmissionSecure{}).
		Where("submission_id = ?", corruptedID).
		Update("ciphertext", securedRow.Ciphertext).Error; err != nil {
		t.Fatalf("failed to corrupt ciphertext: %v", err)
	}

	rows, err := store.ListDecrypted(context.Background(), "survey-1", 0, OrderAsc)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows despite corruption, got %d", len(rows))
	}
	if rows[0].DecryptError != "" || rows[2].DecryptError != "" {
		t.Fatalf("healthy rows flagged: %q, %q", rows[0].DecryptError, rows[2].DecryptError)
	}
	if rows[1].DecryptError != DecryptErrorFailed {
		t.Fatalf("expected decrypt_failed marker, got %q", rows[1].DecryptError)
	}
	if rows[1].Answers != nil {
		t.Fatalf("corrupted row must not expose answers: %#v", rows[1].Answers)
	}
}

func TestListDecryptedFlagsMissingSecureRow(t *testing.T) {
	store, db, _ := newTestStore(t)

	id := createTestSubmission(t, store, map[string]AnswerValue{"q1": "value"})
	if err := db.Where("submission_id = ?", id).Delete(&SubmissionSecure{}).Error; err != nil {
		t.Fatalf("failed to delete secure row: %v", err)
	}

	rows, err := store.ListDecrypted(context.Background(), "survey-1", 0, OrderAsc)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 1 || rows[0].DecryptError != DecryptErrorRowMissing {
		t.Fatalf("expected secure_row_missing marker, got %#v", rows)
	}
}

func TestPurgeExpiredDeletesWithPairedAuditEntries(t *testing.T) {
	store, db, clock := newTestStore(t)

	expired := []string{
		createTestSubmission(t, store, map[string]AnswerValue{"q1": "a"}),
		createTestSubmission(t, store, map[string]AnswerValue{"q1": "b"}),
	}
	clock.Advance(31 * 24 * time.Hour)
	fresh := createTestSubmission(t, store, map[string]AnswerValue{"q1": "c"})

	deleted, err := store.PurgeExpired(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected purge error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}

	var remaining []Submission
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to load submissions: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != fresh {
		t.Fatalf("expected only the fresh submission to survive: %#v", remaining)
	}

	var orphaned int64
	if err := db.Model(&SubmissionSecure{}).Where("submission_id IN ?", expired).Count(&orphaned).Error; err != nil {
		t.Fatalf("failed to count secure rows: %v", err)
	}
	if orphaned != 0 {
		t.Fatalf("expected secure siblings to be deleted, found %d", orphaned)
	}

	var entries []audit.Entry
	if err := db.Where("action = ?", audit.ActionRetentionDelete).Order("target_id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one audit entry per deleted id, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.TargetID != expired[i] {
			t.Fatalf("audit entry targets %q, expected %q", entry.TargetID, expired[i])
		}
		if entry.ActorID != nil {
			t.Fatalf("retention deletes are system actions, got actor %v", *entry.ActorID)
		}
		if entry.MetaJSON != `{"reason":"retention_expired","strategy":"hard"}` {
			t.Fatalf("unexpected meta json: %s", entry.MetaJSON)
		}
	}
}

func TestPurgeExpiredIsIdempotent(t *testing.T) {
	store, _, clock := newTestStore(t)

	createTestSubmission(t, store, map[string]AnswerValue{"q1": "a"})
	clock.Advance(31 * 24 * time.Hour)

	first, err := store.PurgeExpired(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected purge error: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected 1 deletion, got %d", first)
	}

	second, err := store.PurgeExpired(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected purge error: %v", err)
	}
	if second != 0 {
		t.Fatalf("expected no-op second purge, got %d", second)
	}
}

func TestPurgeExpiredHonorsLimit(t *testing.T) {
	store, _, clock := newTestStore(t)

	for i := 0; i < 3; i++ {
		createTestSubmission(t, store, map[string]AnswerValue{"q1": "a"})
	}
	clock.Advance(31 * 24 * time.Hour)

	deleted, err := store.PurgeExpired(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected purge error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected limit-bounded purge of 2, got %d", deleted)
	}

	remaining, err := store.PurgeExpired(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected purge error: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining deletion, got %d", remaining)
	}
}

type failingAuditRecorder struct{}

func (failingAuditRecorder) Record(context.Context, *gorm.DB, audit.Record) error {
	return errors.New("audit backend unavailable")
}

func TestPurgeExpiredRollsBackWhenAuditFails(t *testing.T) {
	store, db, clock := newTestStore(t)

	createTestSubmission(t, store, map[string]AnswerValue{"q1": "a"})
	clock.Advance(31 * 24 * time.Hour)

	store.audit = failingAuditRecorder{}
	if _, err := store.PurgeExpired(context.Background(), 0); err == nil {
		t.Fatalf("expected purge to fail when audit insert fails")
	}

	var submissionCount, auditCount int64
	if err := db.Model(&Submission{}).Count(&submissionCount).Error; err != nil {
		t.Fatalf("failed to count submissions: %v", err)
	}
	if err := db.Model(&audit.Entry{}).Count(&auditCount).Error; err != nil {
		t.Fatalf("failed to count audit entries: %v", err)
	}
	if submissionCount != 1 {
		t.Fatalf("expected submission to survive rollback, found %d rows", submissionCount)
	}
	if auditCount != 0 {
		t.Fatalf("expected no audit entries after rollback, found %d", auditCount)
	}
}

package submissions

import (
	"testing"
	"time"
)

func TestProjectCSVMatchesExpectedOutput(t *testing.T) {
	rows := []DecryptedSubmission{
		{
			ID:          "a",
			SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Version:     1,
			Answers:     map[string]AnswerValue{"q1": "hi, there"},
		},
	}

	csv, columns := ProjectCSV(rows)
	expected := "id,submittedAt,version,q1\na,2024-01-01T00:00:00Z,1,\"hi, there\""
	if csv != expected {
		t.Fatalf("unexpected csv output:\n%s\nexpected:\n%s", csv, expected)
	}
	if len(columns) != 1 || columns[0] != "q1" {
		t.Fatalf("unexpected column set: %#v", columns)
	}
}

func TestProjectCSVIsDeterministic(t *testing.T) {
	rows := []DecryptedSubmission{
		{
			ID:          "a",
			SubmittedAt: time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC),
			Version:     2,
			Answers:     map[string]AnswerValue{"zeta": "z", "alpha": "a", "mid": float64(42)},
		},
		{
			ID:          "b",
			SubmittedAt: time.Date(2024, 3, 6, 10, 30, 0, 0, time.UTC),
			Version:     2,
			Answers:     map[string]AnswerValue{"alpha": "only"},
		},
	}

	first, _ := ProjectCSV(rows)
	second, _ := ProjectCSV(rows)
	if first != second {
		t.Fatalf("csv output is not deterministic")
	}

	expected := "id,submittedAt,version,alpha,mid,zeta\n" +
		"a,2024-03-05T10:30:00Z,2,a,42,z\n" +
		"b,2024-03-06T10:30:00Z,2,only,,"
	if first != expected {
		t.Fatalf("unexpected csv output:\n%s\nexpected:\n%s", first, expected)
	}
}

func TestProjectCSVEscapesQuotesAndNewlines(t *testing.T) {
	rows := []DecryptedSubmission{
		{
			ID:          "a",
			SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Version:     1,
			Answers: map[string]AnswerValue{
				"quoted":    `say "hello"`,
				"multiline": "line one\nline two",
				"plain":     "untouched",
			},
		},
	}

	csv, _ := ProjectCSV(rows)
	expected := "id,submittedAt,version,multiline,plain,quoted\n" +
		"a,2024-01-01T00:00:00Z,1,\"line one\nline two\",untouched,\"say \"\"hello\"\"\""
	if csv != expected {
		t.Fatalf("unexpected csv output:\n%s", csv)
	}
}

func TestProjectCSVCoercesScalarTypes(t *testing.T) {
	rows := []DecryptedSubmission{
		{
			ID:          "a",
			SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Version:     1,
			Answers: map[string]AnswerValue{
				"bool":    true,
				"integer": float64(7),
				"decimal": float64(1.5),
				"absent":  nil,
			},
		},
	}

	csv, _ := ProjectCSV(rows)
	expected := "id,submittedAt,version,absent,bool,decimal,integer\n" +
		"a,2024-01-01T00:00:00Z,1,,true,1.5,7"
	if csv != expected {
		t.Fatalf("unexpected csv output:\n%s", csv)
	}
}

func TestProjectCSVRendersLargeAndSmallNumbersLiterally(t *testing.T) {
	rows := []DecryptedSubmission{
		{
			ID:          "a",
			SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Version:     1,
			Answers: map[string]AnswerValue{
				"count": float64(1000000),
				"rate":  0.00001,
				"phone": float64(15551234567),
				"huge":  1e21,
			},
		},
	}

	csv, _ := ProjectCSV(rows)
	expected := "id,submittedAt,version,count,huge,phone,rate\n" +
		"a,2024-01-01T00:00:00Z,1,1000000,1e+21,15551234567,0.00001"
	if csv != expected {
		t.Fatalf("unexpected csv output:\n%s\nexpected:\n%s", csv, expected)
	}
}

func TestProjectCSVSurfacesDecryptFailures(t *testing.T) {
	rows := []DecryptedSubmission{
		{
			ID:          "a",
			SubmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Version:     1,
			Answers:     map[string]AnswerValue{"q1": "fine"},
		},
		{
			ID:           "b",
			SubmittedAt:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			DecryptError: DecryptErrorFailed,
		},
	}

	csv, columns := ProjectCSV(rows)
	expected := "id,submittedAt,version,error,q1\n" +
		"a,2024-01-01T00:00:00Z,1,,fine\n" +
		"b,2024-01-02T00:00:00Z,0,decrypt_failed,"
	if csv != expected {
		t.Fatalf("unexpected csv output:\n%s", csv)
	}
	if len(columns) != 2 || columns[0] != "error" || columns[1] != "q1" {
		t.Fatalf("unexpected column set: %#v", columns)
	}
}

func TestProjectCSVEmptyInput(t *testing.T) {
	csv, columns := ProjectCSV(nil)
	if csv != "id,submittedAt,version" {
		t.Fatalf("unexpected header-only output: %q", csv)
	}
	if len(columns) != 0 {
		t.Fatalf("expected no answer columns, got %#v", columns)
	}
}

package submissions

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// errorColumnKey is the synthetic column under which decrypt-failed rows are
// surfaced in an export, so a bad row stays visible instead of vanishing.
const errorColumnKey = "error"

// ProjectCSV renders decrypted submissions as CSV text. The column set is the
// lexicographically sorted union of answer keys across all rows after the
// fixed id, submittedAt, and version columns; missing keys render empty. The
// output is a pure function of the input rows: identical input produces
// byte-identical text. The sorted answer-key set is returned for audit
// metadata.
func ProjectCSV(rows []DecryptedSubmission) (string, []string) {
	keySet := make(map[string]struct{})
	for _, row := range rows {
		if row.DecryptError != "" {
			keySet[errorColumnKey] = struct{}{}
			continue
		}
		for key := range row.Answers {
			keySet[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString("id,submittedAt,version")
	for _, key := range keys {
		builder.WriteString(",")
		builder.WriteString(escapeCSV(key))
	}

	for _, row := range rows {
		builder.WriteString("\n")
		builder.WriteString(escapeCSV(row.ID))
		builder.WriteString(",")
		builder.WriteString(row.SubmittedAt.UTC().Format(time.RFC3339))
		builder.WriteString(",")
		builder.WriteString(strconv.Itoa(row.Version))
		for _, key := range keys {
			builder.WriteString(",")
			builder.WriteString(escapeCSV(cellValue(row, key)))
		}
	}

	return builder.String(), keys
}

func cellValue(row DecryptedSubmission, key string) string {
	if row.DecryptError != "" {
		if key == errorColumnKey {
			return row.DecryptError
		}
		return ""
	}
	value, ok := row.Answers[key]
	if !ok {
		return ""
	}
	return coerceText(value)
}

func coerceText(value AnswerValue) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return formatNumber(typed)
	case int:
		return strconv.Itoa(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

// formatNumber renders a numeric answer the way JSON consumers write it:
// plain decimal notation for magnitudes in [1e-6, 1e21), exponent notation
// only outside that range. A counted or keyed-in value like 1000000 must
// export as "1000000", never "1e+06".
func formatNumber(value float64) string {
	abs := math.Abs(value)
	if value != 0 && (abs >= 1e21 || abs < 1e-6) {
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// escapeCSV wraps a value in double quotes, doubling inner quotes, only when
// it contains a comma, quote, or newline; all other values pass through
// literally.
func escapeCSV(value string) string {
	if !strings.ContainsAny(value, ",\"\n") {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

package calls

import (
	"regexp"
	"strings"
	"testing"
)

// A reconnect reuses the row of an ended call. Everything the previous session
// wrote at the end of its life must be cleared, or the worker would treat the
// new session as already archived.
func TestUpsertSessionClearsPreviousSession(t *testing.T) {
	i := strings.Index(upsertSessionSQL, "DO UPDATE SET")
	if i < 0 {
		t.Fatalf("upsert has no conflict clause:\n%s", upsertSessionSQL)
	}
	clause := upsertSessionSQL[i:]
	want := map[string]string{
		"conversation_id": "NULL",
		"end_reason":      "NULL",
		"ended_at":        "NULL",
		"metrics":         "'{}'::jsonb",
		"transcript":      "'[]'::jsonb",
		"transcript_url":  "NULL",
	}
	for col, val := range want {
		re := regexp.MustCompile(`\b` + col + `\s*=\s*` + regexp.QuoteMeta(val))
		if !re.MatchString(clause) {
			t.Fatalf("conflict clause does not reset %s to %s:\n%s", col, val, clause)
		}
	}
}

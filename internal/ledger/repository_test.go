package ledger

import (
	"strings"
	"testing"
)

// The schema's only unique index on idempotency_key is partial
// (WHERE idempotency_key IS NOT NULL). Postgres infers a partial index as
// the ON CONFLICT arbiter only when the conflict target repeats its
// predicate; without it every posting fails with SQLSTATE 42P10 before a
// row is written.
func TestInsertEntrySQL_ConflictTargetMatchesPartialIndex(t *testing.T) {
	want := "ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING"
	if !strings.Contains(insertEntrySQL, want) {
		t.Errorf("insert statement must carry the partial-index predicate as its conflict target:\n%s", insertEntrySQL)
	}
}

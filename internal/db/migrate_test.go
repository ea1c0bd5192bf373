package db

import (
	"strings"
	"testing"
)

func TestMigrationFilesPresentAndOrdered(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("migrations: got %d files, want at least init + seed", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Errorf("migrations out of order: %s before %s", files[i-1], files[i])
		}
	}
}

// The ledger's idempotency insert targets this partial unique index by
// repeating its predicate in the ON CONFLICT clause; the two must not
// drift apart.
func TestInitSchema_LedgerIdempotencyIndex(t *testing.T) {
	raw, err := embeddedMigrations.ReadFile("migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	ddl := string(raw)
	if !strings.Contains(ddl, "ON credit_ledger (idempotency_key) WHERE idempotency_key IS NOT NULL") {
		t.Error("init schema must declare the partial unique index on credit_ledger.idempotency_key")
	}
}

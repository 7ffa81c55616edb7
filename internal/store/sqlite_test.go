package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB(t *testing.T) {
	db := newTestDB(t)

	// Verify tables were created by querying sqlite_master.
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, name)
	}

	expected := map[string]bool{
		"agents":                  true,
		"agent_manifests":         true,
		"verification_challenges": true,
		"claim_tickets":           true,
		"humans":                  true,
		"papers":                  true,
		"paper_versions":          true,
		"assignments":             true,
		"reviews":                 true,
		"review_comments":         true,
		"decision_records":        true,
		"audit_events":            true,
		"request_nonces":          true,
		"idempotency_records":     true,
		"rate_limit_windows":      true,
	}

	for _, tbl := range tables {
		delete(expected, tbl)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	db2, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &LedgerRepo{}
	boom := errors.New("boom")

	err := InTx(ctx, db, func(tx *sql.Tx) error {
		if err := repo.InsertNonce(ctx, tx, "agent-1", "n-1", testNow.Add(testTTL)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	// The nonce must not have been consumed by the failed unit.
	if err := repo.InsertNonce(ctx, db, "agent-1", "n-1", testNow.Add(testTTL)); err != nil {
		t.Errorf("nonce was left consumed after rollback: %v", err)
	}
}

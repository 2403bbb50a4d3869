package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteLockMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0002_write_lock_guard.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"revision_is_locked",
		"RAISE EXCEPTION",
		"ERRCODE = '55000'",
		"CREATE TRIGGER trg_revision_modules_write_lock",
		"CREATE TRIGGER trg_remediation_items_write_lock",
		"CREATE TRIGGER trg_document_revisions_write_lock",
		"CREATE TRIGGER trg_document_snapshots_block_update",
		"CREATE TRIGGER trg_document_snapshots_block_delete",
		"CREATE TRIGGER trg_change_summaries_block_update",
		"CREATE TRIGGER trg_revision_audit_events_block_delete",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail write lock, found silent DO INSTEAD NOTHING rule")
	}
}

func TestWriteLockDownMigrationDropsEveryTrigger(t *testing.T) {
	up, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_write_lock_guard.up.sql"))
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	down, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_write_lock_guard.down.sql"))
	if err != nil {
		t.Fatalf("read down migration: %v", err)
	}

	for _, line := range strings.Split(string(up), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "CREATE TRIGGER ") {
			continue
		}
		name := strings.Fields(line)[2]
		if !strings.Contains(string(down), name) {
			t.Fatalf("down migration does not drop trigger %s", name)
		}
	}
}

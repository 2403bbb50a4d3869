package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
)

func openMigrationSource(t *testing.T) source.Driver {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("resolve migrations dir: %v", err)
	}
	driver, err := (&file.File{}).Open("file://" + dir)
	if err != nil {
		t.Fatalf("open migration source: %v", err)
	}
	t.Cleanup(func() { _ = driver.Close() })
	return driver
}

func readMigration(t *testing.T, driver source.Driver, version uint, up bool) (string, string) {
	t.Helper()
	read, direction := driver.ReadDown, "down"
	if up {
		read, direction = driver.ReadUp, "up"
	}
	body, name, err := read(version)
	if err != nil {
		t.Fatalf("read %s migration %d: %v", direction, version, err)
	}
	defer body.Close()
	sqlBytes, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read %s migration %d: %v", direction, version, err)
	}
	return name, string(sqlBytes)
}

// Versions run 1, 2, 3 ... with no gaps, and every up file has a down file of the same name.
func TestMigrationVersionsAreContiguousAndPaired(t *testing.T) {
	driver := openMigrationSource(t)

	version, err := driver.First()
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}
	if version != 1 {
		t.Fatalf("first migration version = %d, want 1", version)
	}

	seen := 0
	for {
		seen++
		upName, upSQL := readMigration(t, driver, version, true)
		downName, downSQL := readMigration(t, driver, version, false)
		if upName != downName {
			t.Fatalf("migration %d: up is %q but down is %q", version, upName, downName)
		}
		if strings.TrimSpace(upSQL) == "" || strings.TrimSpace(downSQL) == "" {
			t.Fatalf("migration %d (%s) has an empty direction", version, upName)
		}

		next, err := driver.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			t.Fatalf("next migration after %d: %v", version, err)
		}
		if next != version+1 {
			t.Fatalf("migration %d follows %d; versions must be contiguous", next, version)
		}
		version = next
	}

	if seen < 2 {
		t.Fatalf("found %d migrations, want the schema and the write-lock guard", seen)
	}
}

// Snapshots and change summaries are written once per (family, revision number).
func TestSchemaMigrationDeclaresOneSlotPerRevision(t *testing.T) {
	driver := openMigrationSource(t)
	_, upSQL := readMigration(t, driver, 1, true)
	for _, table := range []string{"document_snapshots", "change_summaries"} {
		header := "CREATE TABLE IF NOT EXISTS " + table + " ("
		start := strings.Index(upSQL, header)
		if start < 0 {
			t.Fatalf("schema migration does not create %s", table)
		}
		block := upSQL[start:]
		block = block[:strings.Index(block, "\n);")]
		if !strings.Contains(block, "UNIQUE (family_id, revision_number)") &&
			!strings.Contains(block, "PRIMARY KEY (family_id, revision_number)") {
			t.Fatalf("%s must be keyed by (family_id, revision_number)", table)
		}
	}
}

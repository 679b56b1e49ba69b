package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractVersion(t *testing.T) {
	tests := map[string]string{
		"000001_event_log.up.sql":          "000001",
		"000002_account_balances.down.sql": "000002",
		"noversion.sql":                    "noversion.sql",
	}
	for in, want := range tests {
		if got := extractVersion(in); got != want {
			t.Errorf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListMigrationFiles_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_b.up.sql",
		"000001_a.up.sql",
		"000001_a.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "000003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := listMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"000001_a.up.sql", "000002_b.up.sql"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("file %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRepositoryMigrationsPair(t *testing.T) {
	dir := filepath.Join("..", "..", "migrations")
	ups, err := listMigrationFiles(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations found")
	}
	for _, up := range ups {
		down := up[:len(up)-len(".up.sql")] + ".down.sql"
		if _, err := os.Stat(filepath.Join(dir, down)); err != nil {
			t.Errorf("%s has no down migration", up)
		}
	}
}

package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestUpMigrationsAreSorted(t *testing.T) {
	files, err := upMigrations(os.DirFS(migrationsDir))
	if err != nil {
		t.Fatalf("upMigrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected at least one up migration")
	}
	for i, file := range files {
		if !strings.HasSuffix(file, ".up.sql") {
			t.Fatalf("unexpected file %s", file)
		}
		if i > 0 && files[i-1] > file {
			t.Fatalf("migrations out of order: %s before %s", files[i-1], file)
		}
	}
}

func TestSessionMigrationDeclaresEngineColumns(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join(migrationsDir, "0001_sessions.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(contents)
	for _, column := range []string{
		"content_updated_at", "locked_by", "permission_status", "permission_requested_at", "edit_enabled",
	} {
		if !strings.Contains(sql, column) {
			t.Fatalf("migration missing column %s", column)
		}
	}
}

package db

import (
	"io/fs"
	"strings"
	"testing"
)

// The embedded migration set must be readable and ship matched
// up/down pairs, or rollbacks break in the field.
func TestEmbeddedMigrationsFS(t *testing.T) {
	// Read the embedded copy even if a workspace migrations dir exists.
	origDevMode := DevMode
	DevMode = false
	defer func() { DevMode = origDevMode }()

	migFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS() failed: %v", err)
	}

	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		t.Fatalf("reading migration FS root: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("embedded migration set is empty")
	}
	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("Unexpected file in migrations: %s", name)
		}
	}
	for base := range ups {
		if !downs[base] {
			t.Errorf("Migration %s has no down migration", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("Migration %s has no up migration", base)
		}
	}
}

func TestEmbeddedLatestMigrationVersion(t *testing.T) {
	migFS, err := getMigrationsFS()
	if err != nil {
		t.Fatalf("getMigrationsFS() failed: %v", err)
	}

	latest, err := GetLatestMigrationVersion(migFS)
	if err != nil {
		t.Fatalf("GetLatestMigrationVersion failed: %v", err)
	}
	if latest != 2 {
		t.Errorf("Expected latest migration version 2, got %d", latest)
	}
}

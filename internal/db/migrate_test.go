package db

import (
	"database/sql"
	"io/fs"
	"path/filepath"
	"testing"
	"testing/fstest"
)

// newBareDB opens a database handle without applying the embedded
// migrations, so each test controls the schema it runs against.
func newBareDB(t *testing.T) *DB {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "migrate_test.db")
	sqlDB, err := sql.Open("sqlite", fname)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	db := &DB{DB: sqlDB, path: fname}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test DB: %v", err)
		}
	})
	return db
}

// fixtureMigrations is a three-step migration set kept in memory.
func fixtureMigrations() fs.FS {
	file := func(sql string) *fstest.MapFile {
		return &fstest.MapFile{Data: []byte(sql)}
	}
	return fstest.MapFS{
		"000001_waypoints.up.sql": file(`
			CREATE TABLE IF NOT EXISTS waypoints (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				lat REAL NOT NULL,
				lng REAL NOT NULL
			);
		`),
		"000001_waypoints.down.sql": file(`
			DROP TABLE IF EXISTS waypoints;
		`),
		"000002_waypoint_labels.up.sql": file(`
			ALTER TABLE waypoints ADD COLUMN label TEXT;
		`),
		"000002_waypoint_labels.down.sql": file(`
			CREATE TABLE waypoints_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				lat REAL NOT NULL,
				lng REAL NOT NULL
			);
			INSERT INTO waypoints_new (id, lat, lng) SELECT id, lat, lng FROM waypoints;
			DROP TABLE waypoints;
			ALTER TABLE waypoints_new RENAME TO waypoints;
		`),
		"000003_waypoint_notes.up.sql": file(`
			CREATE TABLE IF NOT EXISTS waypoint_notes (
				waypoint_id INTEGER NOT NULL REFERENCES waypoints(id),
				note TEXT NOT NULL
			);
		`),
		"000003_waypoint_notes.down.sql": file(`
			DROP TABLE IF EXISTS waypoint_notes;
		`),
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name=?
	`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("checking table %s: %v", name, err)
	}
	return exists
}

func columnExists(t *testing.T, db *DB, table, column string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name=?
	`, table, column).Scan(&exists)
	if err != nil {
		t.Fatalf("checking column %s.%s: %v", table, column, err)
	}
	return exists
}

func versionOf(t *testing.T, db *DB, fsys fs.FS) uint {
	t.Helper()
	version, dirty, err := db.MigrateVersion(fsys)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Fatal("database unexpectedly dirty")
	}
	return version
}

func TestMigrateUpAppliesAll(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	if v := versionOf(t, db, fsys); v != 3 {
		t.Errorf("expected version 3, got %d", v)
	}
	if !tableExists(t, db, "waypoints") {
		t.Error("waypoints table should exist after migrating up")
	}
	if !columnExists(t, db, "waypoints", "label") {
		t.Error("label column should exist after migrating up")
	}
	if !tableExists(t, db, "waypoint_notes") {
		t.Error("waypoint_notes table should exist after migrating up")
	}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	for i := 1; i <= 2; i++ {
		if err := db.MigrateUp(fsys); err != nil {
			t.Fatalf("MigrateUp run %d failed: %v", i, err)
		}
	}
	if v := versionOf(t, db, fsys); v != 3 {
		t.Errorf("expected version 3 after repeated ups, got %d", v)
	}
}

func TestMigrateDownStepsBackOne(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateDown(fsys); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	if v := versionOf(t, db, fsys); v != 2 {
		t.Errorf("expected version 2 after one rollback, got %d", v)
	}
	if tableExists(t, db, "waypoint_notes") {
		t.Error("waypoint_notes should be gone after rolling back step 3")
	}
	if !columnExists(t, db, "waypoints", "label") {
		t.Error("label column from step 2 should survive rolling back step 3")
	}
}

func TestMigrateVersionFreshDatabase(t *testing.T) {
	db := newBareDB(t)

	version, dirty, err := db.MigrateVersion(fixtureMigrations())
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("fresh database reported version=%d dirty=%v, want 0/false", version, dirty)
	}
}

func TestMigrateToExactVersion(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	if err := db.MigrateTo(fsys, 1); err != nil {
		t.Fatalf("MigrateTo(1) failed: %v", err)
	}
	if v := versionOf(t, db, fsys); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
	if columnExists(t, db, "waypoints", "label") {
		t.Error("label column should not exist at version 1")
	}

	if err := db.MigrateTo(fsys, 3); err != nil {
		t.Fatalf("MigrateTo(3) failed: %v", err)
	}
	if v := versionOf(t, db, fsys); v != 3 {
		t.Errorf("expected version 3, got %d", v)
	}
	if !columnExists(t, db, "waypoints", "label") {
		t.Error("label column should exist at version 3")
	}
}

func TestMigrateForceRewritesVersion(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateForce(fsys, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}

	// Force only rewrites the bookkeeping; the schema is untouched.
	if v := versionOf(t, db, fsys); v != 1 {
		t.Errorf("expected recorded version 1 after force, got %d", v)
	}
	if !tableExists(t, db, "waypoint_notes") {
		t.Error("force must not alter the actual schema")
	}
}

func TestBaselineAtVersion(t *testing.T) {
	db := newBareDB(t)

	if err := db.BaselineAtVersion(4); err != nil {
		t.Fatalf("BaselineAtVersion failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Fatal("schema_migrations table should exist after baseline")
	}

	var version int
	if err := db.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		t.Fatalf("reading recorded version: %v", err)
	}
	if version != 4 {
		t.Errorf("expected baseline version 4, got %d", version)
	}

	// A second baseline on a tracked database must refuse.
	if err := db.BaselineAtVersion(5); err == nil {
		t.Error("expected error when baselining an already-tracked database")
	}
}

func TestGetMigrationStatus(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	status, err := db.GetMigrationStatus(fsys)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != 0 || status.Dirty {
		t.Errorf("fresh status = %+v, want version 0 clean", status)
	}

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	status, err = db.GetMigrationStatus(fsys)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != 3 {
		t.Errorf("expected version 3, got %d", status.CurrentVersion)
	}
	if !status.TablePresent {
		t.Error("expected schema_migrations table to be reported present")
	}
}

func TestMigrateFullCycle(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.MigrateDown(fsys); err != nil {
			t.Fatalf("MigrateDown %d failed: %v", i+1, err)
		}
	}
	if v := versionOf(t, db, fsys); v != 0 {
		t.Errorf("expected version 0 after full rollback, got %d", v)
	}
	if tableExists(t, db, "waypoints") {
		t.Error("waypoints table should be gone after full rollback")
	}

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("re-applying migrations failed: %v", err)
	}
	if v := versionOf(t, db, fsys); v != 3 {
		t.Errorf("expected version 3 after re-apply, got %d", v)
	}
	if !tableExists(t, db, "waypoints") {
		t.Error("waypoints table should be back after re-apply")
	}
}

func TestMigrateDownAtZeroErrors(t *testing.T) {
	db := newBareDB(t)
	fsys := fixtureMigrations()

	if err := db.MigrateUp(fsys); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.MigrateDown(fsys); err != nil {
			t.Fatalf("MigrateDown %d failed: %v", i+1, err)
		}
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(fsys); err == nil {
		t.Error("MigrateDown at version 0 should report an error")
	}
}

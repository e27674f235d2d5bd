package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationStatus summarises where the schema sits relative to the
// bundled migrations.
type MigrationStatus struct {
	CurrentVersion uint `json:"current_version"`
	Dirty          bool `json:"dirty"`
	TablePresent   bool `json:"schema_migrations_exists"`
}

// MigrateUp applies every pending migration. A database already at the
// latest version is not an error.
func (db *DB) MigrateUp(source fs.FS) error {
	return db.withMigrate(source, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up failed: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown(source fs.FS) error {
	return db.withMigrate(source, func(m *migrate.Migrate) error {
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration down failed: %w", err)
		}
		return nil
	})
}

// MigrateTo moves the schema to an exact version, in either direction.
func (db *DB) MigrateTo(source fs.FS, version uint) error {
	return db.withMigrate(source, func(m *migrate.Migrate) error {
		if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		return nil
	})
}

// MigrateForce overwrites the recorded version without running any
// migration. Recovery tool for a dirty schema only.
func (db *DB) MigrateForce(source fs.FS, version int) error {
	return db.withMigrate(source, func(m *migrate.Migrate) error {
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force migration to version %d failed: %w", version, err)
		}
		return nil
	})
}

// MigrateVersion reports the schema's recorded version and dirty flag.
// A database with no applied migrations reports version 0, clean.
func (db *DB) MigrateVersion(source fs.FS) (version uint, dirty bool, err error) {
	m, err := db.newMigrate(source)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// withMigrate builds a migrate instance and hands it to fn. The instance
// is deliberately never closed: closing it would also close db's
// connection, which the caller still owns.
func (db *DB) withMigrate(source fs.FS, fn func(*migrate.Migrate) error) error {
	m, err := db.newMigrate(source)
	if err != nil {
		return err
	}
	return fn(m)
}

func (db *DB) newMigrate(source fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(source, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	m.Log = migrateLog{}
	return m, nil
}

// migrateLog routes golang-migrate's output through the standard logger
// with a recognisable prefix.
type migrateLog struct{}

func (migrateLog) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLog) Verbose() bool { return false }

// BaselineAtVersion records version in schema_migrations without running
// anything, so a pre-existing database can adopt migration tracking. It
// refuses to touch a database that already has a recorded version.
func (db *DB) BaselineAtVersion(version uint) error {
	// Same table shape golang-migrate's sqlite driver creates, so the two
	// stay interchangeable.
	_, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty INTEGER NOT NULL);
		 CREATE UNIQUE INDEX IF NOT EXISTS version_unique ON schema_migrations (version)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("inspect schema_migrations: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("schema already has a recorded version; baseline applies to untracked databases only")
	}

	if _, err := db.Exec("INSERT INTO schema_migrations (version, dirty) VALUES (?, 0)", version); err != nil {
		return fmt.Errorf("record baseline version: %w", err)
	}
	log.Printf("Recorded baseline at schema version %d", version)
	return nil
}

// GetMigrationStatus reports the schema's version, dirty flag and
// whether the tracking table exists at all.
func (db *DB) GetMigrationStatus(source fs.FS) (MigrationStatus, error) {
	var status MigrationStatus

	version, dirty, err := db.MigrateVersion(source)
	if err != nil {
		return status, fmt.Errorf("read schema version: %w", err)
	}
	status.CurrentVersion = version
	status.Dirty = dirty

	err = db.QueryRow(
		"SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&status.TablePresent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return status, fmt.Errorf("check for schema_migrations: %w", err)
	}
	return status, nil
}

// GetLatestMigrationVersion scans the migration filesystem for the
// highest-numbered *.up.sql file.
func GetLatestMigrationVersion(source fs.FS) (uint, error) {
	entries, err := fs.Glob(source, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("scan migration files: %w", err)
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("no *.up.sql files in the migration source")
	}

	// Files are named NNNNNN_description.up.sql.
	var latest uint64
	for _, entry := range entries {
		prefix, _, ok := strings.Cut(entry, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("no migration file carries a parsable version number")
	}
	return uint(latest), nil
}

// CheckAndPromptMigrations compares the schema against the bundled
// migrations. When they diverge it logs what to run and returns
// shouldExit=true with an error describing the mismatch, so server
// startup can refuse to run against a stale schema.
func (db *DB) CheckAndPromptMigrations(source fs.FS) (bool, error) {
	current, dirty, err := db.MigrateVersion(source)
	if err != nil {
		return false, fmt.Errorf("read schema version: %w", err)
	}
	latest, err := GetLatestMigrationVersion(source)
	if err != nil {
		return false, fmt.Errorf("read bundled migrations: %w", err)
	}

	if current == latest && !dirty {
		return false, nil
	}
	if dirty {
		return true, fmt.Errorf("database is in a dirty state (version %d). Run 'mapcluster migrate status' to diagnose", current)
	}
	if current > latest {
		return true, fmt.Errorf("database version (%d) is ahead of latest migration (%d). This should not happen", current, latest)
	}

	log.Printf("Database schema is behind the bundled migrations")
	log.Printf("   Current database version: %d", current)
	log.Printf("   Latest available version: %d", latest)
	log.Printf("   Outstanding migrations: %d", latest-current)
	log.Printf("")
	log.Printf("To apply them, run:")
	log.Printf("   mapcluster migrate up")
	log.Printf("")

	return true, fmt.Errorf("database schema is out of date (version %d, need %d). Please run migrations", current, latest)
}

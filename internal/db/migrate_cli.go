package db

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
)

// RunMigrateCommand dispatches the 'migrate' subcommand. It opens the
// database without schema initialisation, since the migrations are what
// manage the schema.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}
	command := args[0]

	bundled, err := getMigrationsFS()
	if err != nil {
		log.Fatalf("Failed to load bundled migrations: %v", err)
	}

	store, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	switch command {
	case "up":
		handleMigrateUp(store, bundled)
	case "down":
		handleMigrateDown(store, bundled)
	case "status":
		handleMigrateStatus(store, bundled)
	case "version":
		if len(args) < 2 {
			log.Fatal("Usage: mapcluster migrate version <N>")
		}
		handleMigrateVersion(store, bundled, args[1])
	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: mapcluster migrate force <N>")
		}
		handleMigrateForce(store, bundled, args[1])
	case "baseline":
		if len(args) < 2 {
			log.Fatal("Usage: mapcluster migrate baseline <N>")
		}
		handleMigrateBaseline(store, args[1])
	case "help":
		PrintMigrateHelp()
	default:
		fmt.Printf("Unknown migrate command: %s\n\n", command)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func handleMigrateUp(store *DB, bundled fs.FS) {
	log.Printf("Applying pending migrations...")
	if err := store.MigrateUp(bundled); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}
	log.Println("✓ Migrations applied")

	version, dirty, _ := store.MigrateVersion(bundled)
	log.Printf("Schema version: %d (dirty: %v)", version, dirty)
}

func handleMigrateDown(store *DB, bundled fs.FS) {
	log.Printf("Rolling back the most recent migration...")
	if err := store.MigrateDown(bundled); err != nil {
		log.Fatalf("Rollback failed: %v", err)
	}
	log.Println("✓ Rollback complete")

	version, dirty, _ := store.MigrateVersion(bundled)
	log.Printf("Schema version: %d (dirty: %v)", version, dirty)
}

func handleMigrateStatus(store *DB, bundled fs.FS) {
	status, err := store.GetMigrationStatus(bundled)
	if err != nil {
		log.Fatalf("Failed to read migration status: %v", err)
	}
	latest, err := GetLatestMigrationVersion(bundled)
	if err != nil {
		log.Fatalf("Failed to read bundled migrations: %v", err)
	}

	fmt.Printf("Migration status for %s\n", store.path)
	fmt.Printf("Schema version: %d\n", status.CurrentVersion)
	fmt.Printf("Bundled version: %d\n", latest)
	fmt.Printf("Dirty: %v\n", status.Dirty)
	fmt.Printf("Version table present: %v\n", status.TablePresent)

	switch {
	case status.Dirty:
		fmt.Println("\n⚠️  The last migration did not finish; the schema may be incomplete.")
		fmt.Println("Inspect the database, repair it by hand if needed, then run:")
		fmt.Println("  mapcluster migrate force <version>")
	case status.CurrentVersion < latest:
		fmt.Printf("\n⚠️  %d migration(s) pending. Run 'mapcluster migrate up' to apply them.\n", latest-status.CurrentVersion)
	default:
		fmt.Println("\n✓ Schema is up to date.")
	}
}

func handleMigrateVersion(store *DB, bundled fs.FS, versionStr string) {
	var target uint
	if _, err := fmt.Sscanf(versionStr, "%d", &target); err != nil {
		log.Fatalf("Invalid version %q", versionStr)
	}

	log.Printf("Moving schema to version %d...", target)
	if err := store.MigrateTo(bundled, target); err != nil {
		log.Fatalf("Migration to version %d failed: %v", target, err)
	}
	log.Printf("✓ Schema now at version %d", target)
}

func handleMigrateForce(store *DB, bundled fs.FS, versionStr string) {
	var target int
	if _, err := fmt.Sscanf(versionStr, "%d", &target); err != nil {
		log.Fatalf("Invalid version %q", versionStr)
	}

	fmt.Printf("⚠️  Forcing the recorded version to %d without running migrations.\n", target)
	fmt.Println("This is for recovering from a failed migration only.")
	fmt.Print("Proceed? [y/N]: ")

	var answer string
	fmt.Scanln(&answer)
	if !strings.EqualFold(answer, "y") {
		log.Println("Aborted")
		os.Exit(0)
	}

	if err := store.MigrateForce(bundled, target); err != nil {
		log.Fatalf("Force failed: %v", err)
	}
	log.Printf("✓ Recorded version forced to %d", target)
}

func handleMigrateBaseline(store *DB, versionStr string) {
	var target uint
	if _, err := fmt.Sscanf(versionStr, "%d", &target); err != nil {
		log.Fatalf("Invalid version %q", versionStr)
	}

	log.Printf("Recording baseline version %d...", target)
	if err := store.BaselineAtVersion(target); err != nil {
		log.Fatalf("Baseline not recorded: %v", err)
	}
	log.Printf("✓ Baseline recorded at version %d", target)
}

// PrintMigrateHelp writes the migrate subcommand usage to stdout.
func PrintMigrateHelp() {
	fmt.Println("Manage the mapcluster database schema.")
	fmt.Println()
	fmt.Println("Usage: mapcluster migrate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply every pending migration")
	fmt.Println("  down            Roll back the most recent migration")
	fmt.Println("  status          Report schema version and pending migrations")
	fmt.Println("  version <N>     Migrate up or down to version N")
	fmt.Println("  force <N>       Overwrite the recorded version (recovery only)")
	fmt.Println("  baseline <N>    Record version N without running migrations")
	fmt.Println("  help            Show this message")
	fmt.Println()
	fmt.Println("Adopting an existing database:")
	fmt.Println("  1. mapcluster migrate status        # check the current version")
	fmt.Println("  2. mapcluster migrate baseline <N>  # record the schema already in place")
	fmt.Println("  3. mapcluster migrate up            # apply anything newer")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -db-path <path>    Database file (default: markers.db)")
}

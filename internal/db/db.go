package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mapcluster/internal/httputil"
)

// DB wraps the sqlite handle shared by the mapcluster stores.
type DB struct {
	*sql.DB
	path string
}

// startupPragmas are applied to every connection via the DSN. WAL keeps
// readers unblocked during journal flushes; busy_timeout covers the writer
// contention between the API and the pass journal.
const startupPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=temp_store(MEMORY)"

// OpenDB opens the database without touching the schema. Use this for
// migration tooling; NewDB is the normal entry point.
func OpenDB(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, startupPragmas)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and brings the schema up to date with the
// embedded migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrationsFS, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// NewDBWithMigrationCheck opens the database. A brand-new database file is
// migrated to the latest schema immediately. An existing database is never
// migrated implicitly; when checkMigrations is true and its schema is behind
// the embedded migrations, the handle is closed and an error tells the
// operator to run `mapcluster migrate up`.
func NewDBWithMigrationCheck(path string, checkMigrations bool) (*DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewDB(path)
	}

	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if checkMigrations {
		migrationsFS, err := getMigrationsFS()
		if err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.CheckAndPromptMigrations(migrationsFS); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string { return db.path }

// DatabaseStats summarises row counts and file size for the debug surface.
type DatabaseStats struct {
	Markers          int   `json:"markers"`
	PassRows         int   `json:"pass_rows"`
	CommittedPasses  int   `json:"committed_passes"`
	SupersededPasses int   `json:"superseded_passes"`
	FileSizeBytes    int64 `json:"file_size_bytes"`
	SchemaVersion    uint  `json:"schema_version"`
}

// GetDatabaseStats counts the rows in each table and stats the database file.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	stats := &DatabaseStats{}

	if err := db.QueryRow("SELECT COUNT(*) FROM markers").Scan(&stats.Markers); err != nil {
		return nil, fmt.Errorf("failed to count markers: %w", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM pass_history").Scan(&stats.PassRows); err != nil {
		return nil, fmt.Errorf("failed to count pass history: %w", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM pass_history WHERE superseded = 0").Scan(&stats.CommittedPasses); err != nil {
		return nil, fmt.Errorf("failed to count committed passes: %w", err)
	}
	stats.SupersededPasses = stats.PassRows - stats.CommittedPasses

	if fi, err := os.Stat(db.path); err == nil {
		stats.FileSizeBytes = fi.Size()
	}

	if migrationsFS, err := getMigrationsFS(); err == nil {
		if version, _, err := db.MigrateVersion(migrationsFS); err == nil {
			stats.SchemaVersion = version
		}
	}

	return stats, nil
}

// AttachAdminRoutes mounts the tsweb debug surface: a live SQL console
// backed by tailsql, a stats endpoint, and an on-demand backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "MapCluster DB",
	})

	debug := tsweb.Debugger(mux)
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("db-stats", "Row counts and file size of the marker database", http.HandlerFunc(db.serveStats))
	debug.Handle("backup", "Download a snapshot of the database", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveStats(w http.ResponseWriter, r *http.Request) {
	stats, err := db.GetDatabaseStats()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("collecting stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, stats)
}

// serveBackup snapshots the database with VACUUM INTO and streams the
// copy back gzip-compressed. The snapshot is written to the OS temp
// directory and removed once sent.
func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("mapcluster-backup-%s.db", time.Now().UTC().Format("20060102-150405"))
	snapshot := filepath.Join(os.TempDir(), name)
	if _, err := db.Exec("VACUUM INTO ?", snapshot); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("snapshotting database: %v", err))
		return
	}
	defer func() {
		if err := os.Remove(snapshot); err != nil {
			log.Printf("Failed to remove database snapshot %s: %v", snapshot, err)
		}
	}()

	f, err := os.Open(snapshot)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("opening snapshot: %v", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	// Past this point the response is underway, so failures can only be
	// logged.
	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, f); err != nil {
		log.Printf("Streaming database snapshot: %v", err)
		return
	}
	if err := gz.Close(); err != nil {
		log.Printf("Finishing database snapshot: %v", err)
	}
}

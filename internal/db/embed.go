package db

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode switches getMigrationsFS to read migration files from the source
// tree instead of the embedded copy, so migrations can be edited without
// rebuilding. Tests and the dev server set this.
var DevMode = false

// getMigrationsFS returns the migrations as a filesystem rooted at the
// migration files themselves. The migrations ship inside the binary, so a
// deployed service never depends on a source checkout.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/db/migrations"), nil
	}
	return fs.Sub(migrationsFS, "migrations")
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// RequiredExtensions are created before migrations run. btree_gist backs the
// guide overlap index.
var RequiredExtensions = []string{"btree_gist"}

// EnsureExtensions attempts to create each extension. If the current user
// lacks privileges, it checks whether the extension already exists so that
// non-superuser roles can run the app once a DBA has created it.
func EnsureExtensions(dsn string, names ...string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	for _, name := range names {
		if err := ensureExtension(db, name); err != nil {
			return err
		}
	}
	return nil
}

func ensureExtension(db *sql.DB, name string) error {
	_, err := db.Exec(fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %q", name))
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "permission denied") {
		return fmt.Errorf("create %s extension: %w", name, err)
	}

	var exists bool
	qErr := db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = $1)", name).Scan(&exists)
	if qErr != nil {
		return fmt.Errorf("check %s: %w (original: %w)", name, qErr, err)
	}
	if exists {
		return nil
	}
	return fmt.Errorf("%s extension is not installed and the current database user lacks permission to create it; "+
		"ask your database admin to run: CREATE EXTENSION %s; (original: %w)", name, name, err)
}

// RunMigrations runs SQL migrations from the given directory (e.g. "file://migrations") against the DSN.
func RunMigrations(dsn string, migrationsPath string) error {
	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate.Up: %w", err)
	}
	return nil
}

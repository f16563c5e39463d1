package db

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/pkg/errors"

	// Necessary for migrating from local files
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultMigrationsPath locates this source tree's migrations directory
// in golang-migrate URL form. Resolving through the source file makes it
// work from any package directory, which is what tests need.
func DefaultMigrationsPath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "file://db/migrations"
	}
	return "file://" + path.Join(path.Dir(file), "migrations")
}

type migrationStatus struct {
	Dirty   bool
	Version uint
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "could not get Postgres driver")
	}
	return migrate.NewWithDatabaseInstance(d.MigrationsPath, "postgres", driver)
}

// MigrationStatus returns the migrations version number and dirtyness
func (d *DB) MigrationStatus() (migrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return migrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return migrationStatus{}, err
	}
	return migrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			return err
		}
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Successfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Steps(-steps)
}

// Drop drops the entire schema
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Drop()
}

// CreateMigration creates a new pair of empty migration files with a
// timestamped name
func (d *DB) CreateMigration(migrationText string) error {
	migrationTime := time.Now().UTC().Format("20060102150405")

	parts := strings.SplitN(d.MigrationsPath, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("couldn't extract directory from migrations path: %s", d.MigrationsPath)
	}
	dir := strings.TrimPrefix(parts[1], "//")

	baseName := fmt.Sprintf("%s_%s", migrationTime, migrationText)
	for _, suffix := range []string{"up", "down"} {
		filePath := path.Join(dir, fmt.Sprintf("%s.%s.sql", baseName, suffix))
		if _, err := os.Create(filePath); err != nil {
			return errors.Wrap(err, "could not create new migration file")
		}
		log.WithField("file", filePath).Info("Created migration file")
	}
	return nil
}

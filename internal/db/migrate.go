package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// MigrationLogger receives golang-migrate progress output.
type MigrationLogger interface {
	Printf(format string, v ...interface{})
}

type migrateLogger struct {
	MigrationLogger
}

func (l migrateLogger) Verbose() bool { return false }

// Migrate applies all pending PostgreSQL migrations. It reports whether any
// migration ran. SQLite stores have nothing to migrate.
func (db *DB) Migrate() (bool, error) {
	return db.MigrateDirection("up", nil)
}

// MigrateDirection moves the PostgreSQL schema "up" to the latest version or
// "down" by a single step.
func (db *DB) MigrateDirection(direction string, logger MigrationLogger) (bool, error) {
	if db.driver != DriverPostgres {
		return false, nil
	}

	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return false, fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return false, fmt.Errorf("failed to get postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return false, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if logger != nil {
		m.Log = migrateLogger{logger}
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	default:
		return false, fmt.Errorf("invalid migration direction %q", direction)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to migrate %s: %w", direction, err)
	}
	return true, nil
}

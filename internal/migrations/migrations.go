package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/clickhouse"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql
var PostgresFiles embed.FS

//go:embed clickhouse/*.sql
var ClickHouseFiles embed.FS

// RunPostgres executes all pending row-store migrations against db.
// If autoMigrate is false, it only logs the current version.
func RunPostgres(db *sql.DB, autoMigrate bool) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}
	return run("postgres", PostgresFiles, "postgres", driver, autoMigrate)
}

// RunClickHouse executes all pending columnar-store migrations against db.
func RunClickHouse(db *sql.DB, autoMigrate bool) error {
	driver, err := clickhouse.WithInstance(db, &clickhouse.Config{})
	if err != nil {
		return fmt.Errorf("failed to create clickhouse migration driver: %w", err)
	}
	return run("clickhouse", ClickHouseFiles, "clickhouse", driver, autoMigrate)
}

func run(name string, files embed.FS, dir string, driver database.Driver, autoMigrate bool) error {
	sourceDriver, err := iofs.New(files, dir)
	if err != nil {
		return fmt.Errorf("failed to create %s migration source: %w", name, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, name, driver)
	if err != nil {
		return fmt.Errorf("failed to create %s migrate instance: %w", name, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current %s migration version: %w", name, err)
	}

	if dirty {
		// Migrations are idempotent; the interrupted one is replayed.
		slog.Warn("[Migrations] Schema is in dirty state, migration was interrupted",
			"store", name,
			"version", version,
		)
		previous := int(version) - 1
		if previous < 1 {
			previous = database.NilVersion
		}
		if err := m.Force(previous); err != nil {
			return fmt.Errorf("failed to recover dirty %s migration state at version %d: %w", name, version, err)
		}
		slog.Info("[Migrations] Recovered dirty migration state", "store", name, "version", version)
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migration disabled, skipping",
			"store", name,
			"current_version", version,
			"dirty", dirty,
		)
		return nil
	}

	slog.Info("[Migrations] Running migrations", "store", name, "current_version", version)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema is up to date", "store", name, "version", version)
			return nil
		}
		return fmt.Errorf("failed to run %s migrations: %w", name, err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get updated %s migration version: %w", name, err)
	}

	slog.Info("[Migrations] Migrations completed",
		"store", name,
		"from_version", version,
		"to_version", newVersion,
	)
	return nil
}

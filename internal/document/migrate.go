package document

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Bootstrap runs the tracking store's schema migrations against dsn (a
// standard libpq connection string) up to the latest version. It is safe
// to call on every process start; already-applied migrations are no-ops.
func Bootstrap(dsn string, maxOpenConns int) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("bootstrap tracking store: open: %w", err)
	}
	defer db.Close()
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("bootstrap tracking store: driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("bootstrap tracking store: source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("bootstrap tracking store: migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("bootstrap tracking store: up: %w", err)
	}
	return nil
}

// Package sqlite is an embedded Store backed by a single SQLite file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"chat-insights/migrations"

	_ "modernc.org/sqlite" //revive:disable:blank-imports
)

// Open connects to the SQLite database at path and applies pending
// migrations.
func Open(path string, logger *slog.Logger) (*sqlx.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path must not be empty")
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}

	// SQLite has a single writer; one connection keeps transactions serial.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := applyMigrations(db.DB); err != nil {
		if closeErr := db.Close(); closeErr != nil && logger != nil {
			logger.Error("close database after migration failure", "err", closeErr)
		}
		return nil, err
	}
	if logger != nil {
		logger.Info("sqlite database ready", "path", path)
	}
	return db, nil
}

func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("sqlite: migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}

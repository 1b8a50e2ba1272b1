package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func databaseURL(dbPath string) string {
	return fmt.Sprintf("sqlite3://%s?_foreign_keys=on", dbPath)
}

// Migrate applies the migrations compiled into the binary.
func Migrate(dbPath string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL(dbPath))
	if err != nil {
		return err
	}
	return up(m)
}

// RunMigrations applies all up migrations found at path.
func RunMigrations(dbPath, migrationsPath string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL(dbPath))
	if err != nil {
		return err
	}
	return up(m)
}

func up(m *migrate.Migrate) error {
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

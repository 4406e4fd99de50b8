// Package migrations applies the goose-managed SQL migrations that
// install Satellite's bookkeeping tables into the local database.
package migrations

import (
	"database/sql"
	"fmt"

	"github.com/mducko/electric/migrations"
	"github.com/pressly/goose/v3"
)

// Run applies all pending migrations using the embedded SQL files.
func Run(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

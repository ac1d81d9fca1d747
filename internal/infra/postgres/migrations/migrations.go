// Package migrations holds the schema for decks and finished-session results.
package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

var Migrations = migrate.NewMigrations()

// sqlStep builds a migration func that executes an embedded SQL file.
func sqlStep(name string) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		stmt, err := sqlFiles.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		_, err = db.ExecContext(ctx, string(stmt))
		return err
	}
}

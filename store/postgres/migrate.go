package postgres

import (
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/apphub/apphub/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations to databaseURL. goose
// tracks applied versions in its own table, so Migrate is idempotent.
func Migrate(databaseURL string) error {
	const op = "postgres.Migrate"
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return core.NewConfiguration("opening database for migration", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return core.NewInternal(op, "setting goose dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return core.NewExternal(op, "applying migrations", err)
	}
	return nil
}

package store

import (
	"database/sql"

	assets "github.com/haatos/simple-cd"
	"github.com/haatos/simple-cd/internal"
	"github.com/pressly/goose/v3"
)

func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(assets.MigrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, internal.MigrationsDir)
}

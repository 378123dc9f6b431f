package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/libranexus/lending/pkg/logger"
)

// Source is one service's embedded migrations. Table names the goose version
// table so services can share a database without clobbering each other.
type Source struct {
	FS    fs.FS
	Dir   string
	Table string
}

// Up applies every pending migration of src.
func Up(ctx context.Context, db *sql.DB, src Source) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	table := src.Table
	if table == "" {
		table = "goose_db_version"
	}
	store, err := database.NewStore(database.DialectPostgres, table)
	if err != nil {
		return fmt.Errorf("create goose store: %w", err)
	}
	provider, err := goose.NewProvider("", db, mustSub(src.FS, src.Dir), goose.WithStore(store))
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// MaybeUp runs Up when auto migration is enabled.
func MaybeUp(ctx context.Context, enabled bool, db *sql.DB, src Source, logg *logger.Logger) error {
	if !enabled {
		return nil
	}
	ctx = logg.WithField(ctx, "migrations", src.Table)
	logg.Info(ctx, "running goose migrations")
	if err := Up(ctx, db, src); err != nil {
		return err
	}
	logg.Info(ctx, "goose migrations completed")
	return nil
}

func mustSub(fsys fs.FS, dir string) fs.FS {
	if dir == "" || dir == "." {
		return fsys
	}
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return fsys
	}
	return sub
}

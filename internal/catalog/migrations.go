package catalog

import (
	"embed"

	"github.com/libranexus/lending/pkg/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations is the goose source for the catalog schema.
var Migrations = migrate.Source{FS: migrations, Dir: "migrations", Table: "catalog_schema_version"}

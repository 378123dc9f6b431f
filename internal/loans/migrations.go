package loans

import (
	"embed"

	"github.com/libranexus/lending/pkg/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations is the goose source for loans, the event store and pending
// releases.
var Migrations = migrate.Source{FS: migrations, Dir: "migrations", Table: "loans_schema_version"}

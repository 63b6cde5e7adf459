package db

import "embed"

// MigrationsFS holds the SQL migrations applied by cmd/tools/migrate.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

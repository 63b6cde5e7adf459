// Command migrate applies the embedded Postgres schema migrations.
//
//	migrate [-postgres-dsn DSN] up|down|version|force N
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	migrations "vodforge/db"
	"vodforge/internal/db"
	"vodforge/internal/observability/logging"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] up|down|version|force N\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Format: "text"})

	dsn := resolveDSN(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, VODFORGE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	args := flag.Args()
	command := db.CommandUp
	if len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	if err := db.RunMigrate(logger, dsn, migrations.MigrationsFS, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func resolveDSN(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

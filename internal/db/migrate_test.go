package db

import (
	"bytes"
	"io/fs"
	"strings"
	"testing"

	migrations "vodforge/db"
	"vodforge/internal/observability/logging"
)

func TestRunMigrateRejectsUnknownCommand(t *testing.T) {
	err := RunMigrate(logging.Discard(), "postgres://localhost/db", migrations.MigrationsFS, "sideways", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown migrate command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunMigrateForceRequiresVersion(t *testing.T) {
	err := RunMigrate(logging.Discard(), "postgres://localhost/db", migrations.MigrationsFS, CommandForce, nil)
	if err == nil || !strings.Contains(err.Error(), "version number") {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestRunMigrateRequiresDSN(t *testing.T) {
	if err := RunMigrate(logging.Discard(), " ", migrations.MigrationsFS, CommandUp, nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations.MigrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down script", version)
		}
	}
	up, err := fs.ReadFile(migrations.MigrationsFS, "migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	for _, table := range []string{"files", "renditions", "file_owners"} {
		if !bytes.Contains(up, []byte("CREATE TABLE IF NOT EXISTS "+table)) {
			t.Fatalf("init migration does not create %s", table)
		}
	}
}

func TestMigrateLoggerTrimsNewlines(t *testing.T) {
	var buf bytes.Buffer
	l := &migrateLogger{logger: logging.New(logging.Config{Writer: &buf, Format: "text"})}
	l.Printf("applied %d\n", 1)
	if !strings.Contains(buf.String(), `msg="applied 1"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
	if l.Verbose() {
		t.Fatal("verbose logging should be off")
	}
}

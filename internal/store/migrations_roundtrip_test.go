package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("COLLAB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("COLLAB_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Applying twice is a no-op.
	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}

	downs, err := filepath.Glob(filepath.Join(dir, "*.down.sql"))
	if err != nil {
		t.Fatalf("glob down migrations: %v", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, path := range downs {
		body, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(path), err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("apply migrations after rollback: %v", err)
	}
}

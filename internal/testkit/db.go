// Package testkit provides shared fixtures for package tests.
//
// OpenDB returns a migrated database: PostgreSQL when RIFAS_TEST_POSTGRES_DSN
// is set, otherwise an embedded SQLite file under t.TempDir().
package testkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alexbotov/rifas/internal/database"
)

// PostgresDSNEnv names the variable that switches tests to PostgreSQL
const PostgresDSNEnv = "RIFAS_TEST_POSTGRES_DSN"

// OpenDB opens and migrates a clean test database
func OpenDB(t testing.TB) *database.DB {
	t.Helper()
	driver, dsn := target(t)
	return open(t, driver, dsn, true)
}

// OpenSharedDB opens two independent handles on one clean test database,
// the way two server processes would share it
func OpenSharedDB(t testing.TB) (*database.DB, *database.DB) {
	t.Helper()
	driver, dsn := target(t)
	first := open(t, driver, dsn, true)
	second := open(t, driver, dsn, false)
	return first, second
}

func target(t testing.TB) (driver, dsn string) {
	if pg := os.Getenv(PostgresDSNEnv); pg != "" {
		return database.DriverPostgres, pg
	}
	return database.DriverSQLite, filepath.Join(t.TempDir(), "rifas.db") + "?_pragma=foreign_keys(1)"
}

func open(t testing.TB, driver, dsn string, migrate bool) *database.DB {
	t.Helper()

	db, err := database.New(driver, dsn)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if migrate {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Failed to migrate database: %v", err)
		}
		if err := db.CleanData(); err != nil {
			t.Fatalf("Failed to clean data: %v", err)
		}
		t.Cleanup(func() {
			db.CleanData()
			db.Close()
		})
		return db
	}

	t.Cleanup(func() { db.Close() })
	return db
}

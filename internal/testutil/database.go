package testutil

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// SetupTestDB connects to the PostGIS database named by TEST_DATABASE_URL
// and makes sure the postgis extension exists. Tests are skipped when the
// variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database test")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		t.Fatalf("Failed to create PostGIS extension: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	})
	return db
}

// CleanupTestDB drops the zone tables and the migration bookkeeping table
// so the next test starts from an empty schema.
func CleanupTestDB(t *testing.T, db *sql.DB) {
	t.Helper()
	tables := []string{
		"zones_mediapost",
		"iris_france",
		"communes_france",
		"codes_postaux_france",
		"departements_france",
		"goose_db_version",
	}
	for _, table := range tables {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table + " CASCADE"); err != nil {
			t.Logf("Warning: Failed to drop table %s: %v", table, err)
		}
	}
}

// Package testing provides shared test helpers: migrated test databases and
// domain fixtures.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/parcelworld/parcel/internal/database"
)

// NewTestDB creates a file-backed SQLite database for testing with the real
// embedded schema applied. Supported names: "world", "chat", "cache".
// Cleanup is registered on t, so callers just use the returned database.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	// File-backed rather than :memory: so the production driver and PRAGMA
	// profile apply exactly as they do at runtime.
	tmpFile, err := os.CreateTemp(t.TempDir(), fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	profile := database.ProfileStandard
	switch name {
	case "world":
		profile = database.ProfileLedger
	case "cache":
		profile = database.ProfileCache
	}

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database %s: %v", name, err)
		}
	})

	return db
}

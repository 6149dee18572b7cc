// Package testing provides shared test helpers: temporary migrated databases
// and a disabled logger.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/database"
)

// NewTestDB creates a temporary SQLite database with the named schema applied
// and returns it with a cleanup function. Each call gets its own file, so
// tests stay isolated.
//
// Supported schema names: "engine", "marketplace". Unknown names get an empty
// database.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to open test database: %v", err)
	}

	if name == "engine" || name == "marketplace" {
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			_ = os.Remove(tmpPath)
			t.Fatalf("Failed to migrate test database: %v", err)
		}
	}

	cleanup := func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
	return db, cleanup
}

// NopLogger returns a disabled logger for tests.
func NopLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

package db

import (
	"path/filepath"
	"testing"
)

// newTestDB opens a migrated database in a per-test temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	return db
}

// createTestAccountWithVehicle seeds an active account with one active
// vehicle and returns both.
func createTestAccountWithVehicle(t *testing.T, db *DB) (*Account, *Vehicle) {
	t.Helper()
	account := &Account{
		Name:     "Test Account",
		APIToken: "token-123",
		Active:   true,
	}
	if err := db.CreateAccount(account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	vehicle := &Vehicle{
		AccountID:  account.ID,
		ProviderID: "veh-abc",
		Name:       "Test Vehicle",
		Model:      "R1T",
		Active:     true,
	}
	if err := db.CreateVehicle(vehicle); err != nil {
		t.Fatalf("CreateVehicle failed: %v", err)
	}
	return account, vehicle
}

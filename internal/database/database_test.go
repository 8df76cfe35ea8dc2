package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewDatabase_FreshDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	db, err := NewDatabase(dir)
	if err != nil {
		t.Fatalf("Expected fresh directory to be accepted, got %v", err)
	}
	defer Close(db)

	if _, err := os.Stat(filepath.Join(dir, LedgerFile)); err != nil {
		t.Errorf("Expected ledger file to be created: %v", err)
	}
	if !db.Migrator().HasTable("transactions") {
		t.Error("Expected transactions table to exist")
	}

	var mode string
	db.Raw("PRAGMA journal_mode;").Scan(&mode)
	if mode != "wal" {
		t.Errorf("Expected WAL journal mode, got %q", mode)
	}
}

func TestNewDatabase_Reopen(t *testing.T) {
	dir := t.TempDir()

	db, err := NewDatabase(dir)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := db.Exec("INSERT INTO transactions (order_id, symbol, side, state, created_at, updated_at) VALUES ('x', 'SYM', 'buy', 'RECEIVED', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)").Error; err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	Close(db)

	db, err = NewDatabase(dir)
	if err != nil {
		t.Fatalf("Expected prior run's directory to be accepted, got %v", err)
	}
	defer Close(db)

	var count int64
	db.Table("transactions").Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 row after reopen, got %d", count)
	}
}

func TestNewDatabase_RejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(dir, LedgerFile), garbage, 0644); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}

	db, err := NewDatabase(dir)
	if err == nil {
		Close(db)
		t.Fatal("Expected corrupt ledger to be rejected")
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", err)
	}

	// The file must be left for the operator, not reset
	data, _ := os.ReadFile(filepath.Join(dir, LedgerFile))
	if len(data) != len(garbage) {
		t.Errorf("Expected corrupt file to be untouched, size %d", len(data))
	}
}

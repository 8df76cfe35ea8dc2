package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ksred/klear-executor/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LedgerFile is the ledger database name inside the data directory
const LedgerFile = "ledger.db"

var ErrCorrupt = errors.New("database failed integrity check")

// Every committed write must survive process termination, so the ledger runs
// with synchronous=FULL rather than the NORMAL used for replayable event logs.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA foreign_keys=ON;",
}

// Open opens (or creates) a sqlite database at path and verifies it is readable.
// A file that exists but is not a healthy sqlite database is an error, never reset.
func Open(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	// A single connection keeps every write on one sqlite handle
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
	}

	var result string
	if err := db.Raw("PRAGMA integrity_check;").Scan(&result).Error; err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if result != "ok" {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrCorrupt, path, result)
	}

	return db, nil
}

// NewDatabase opens the ledger under dataDir and runs migrations
func NewDatabase(dataDir string) (*gorm.DB, error) {
	db, err := Open(filepath.Join(dataDir, LedgerFile))
	if err != nil {
		return nil, err
	}

	if err := migrations.AddTransactions(db); err != nil {
		Close(db)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddLedgerIndexes(db); err != nil {
		Close(db)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close releases the underlying connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package migrations

import (
	"github.com/ksred/klear-executor/internal/types"
	"gorm.io/gorm"
)

// AddTransactions creates the ledger table
func AddTransactions(db *gorm.DB) error {
	return db.AutoMigrate(&types.Transaction{})
}

package migrations

import "gorm.io/gorm"

// AddLedgerIndexes creates the indexes the engine's hot queries rely on
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Pending scan: state filter, FIFO by received_at
		`CREATE INDEX IF NOT EXISTS idx_transactions_state_received
		 ON transactions(state, received_at)`,

		// Retention pruning of reported rows
		`CREATE INDEX IF NOT EXISTS idx_transactions_reported_at
		 ON transactions(reported_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

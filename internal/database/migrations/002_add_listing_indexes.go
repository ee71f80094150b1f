package migrations

import (
	"gorm.io/gorm"
)

// AddListingIndexes creates the indexes used by catalog browsing
func AddListingIndexes(db *gorm.DB) error {
	indexes := []string{
		// Composite index for the approved-and-active browse query
		`CREATE INDEX IF NOT EXISTS idx_listings_status_active
		 ON listings(status, is_active, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_listings_seller
		 ON listings(seller_id, created_at)`,

		// Featured listing ordering
		`CREATE INDEX IF NOT EXISTS idx_listings_search_count
		 ON listings(search_count, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

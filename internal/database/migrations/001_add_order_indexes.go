package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes creates the order indexes, including the partial unique
// index that allows at most one active reservation per listing
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// At most one reservation in pending, reserved or paid per listing
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_active_reservation
		 ON orders(listing_id)
		 WHERE type = 'reservation' AND status IN ('pending', 'reserved', 'paid')`,

		// Sweeper scan
		`CREATE INDEX IF NOT EXISTS idx_orders_expiry
		 ON orders(type, status, reservation_expires_at)`,

		// Weekly cap count
		`CREATE INDEX IF NOT EXISTS idx_orders_buyer_created
		 ON orders(buyer_id, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_seller_created
		 ON orders(seller_id, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_order_history_order
		 ON order_history(order_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_order_notifications_order
		 ON order_notifications(order_id, id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cardtrader/cardtrader-api/internal/listings"
)

// Database is the Order Store
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) withTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// inTx runs fn inside one transaction with the order and listing stores
// bound to it
func (d *Database) inTx(ctx context.Context, listingsDB *listings.Database, fn func(orders *Database, listings *listings.Database) error) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(d.withTx(tx), listingsDB.WithTx(tx)); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// isUniqueViolation reports whether err came from a unique index
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertOrder stores a new order together with its history and notifications
func (d *Database) InsertOrder(ctx context.Context, order *Order) error {
	db := d.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(order).Error; err != nil {
		return err
	}

	for i := range order.History {
		order.History[i].OrderID = order.ID
		if err := db.Create(&order.History[i]).Error; err != nil {
			return err
		}
	}
	for i := range order.Notifications {
		order.Notifications[i].OrderID = order.ID
		if err := db.Create(&order.Notifications[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func preloadLogs(db *gorm.DB) *gorm.DB {
	return db.
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Notifications", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
}

// GetOrder returns nil when no order has the id
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := preloadLogs(d.db.WithContext(ctx)).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindActiveReservationForListing returns the reservation currently holding
// the listing, nil when there is none
func (d *Database) FindActiveReservationForListing(ctx context.Context, listingID string) (*Order, error) {
	var order Order
	err := d.db.WithContext(ctx).
		Where("listing_id = ? AND type = ? AND status IN ?", listingID, TypeReservation, activeReservationStatuses).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CountRecentOrdersByBuyer counts the buyer's orders created at or after
// since, leaving out those in excludingStatus
func (d *Database) CountRecentOrdersByBuyer(ctx context.Context, buyerID string, since time.Time, excludingStatus string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Order{}).
		Where("buyer_id = ? AND created_at >= ? AND status <> ?", buyerID, since, excludingStatus).
		Count(&count).Error
	return count, err
}

// AppendTransition moves the order from one status to another and appends
// the history entry. It reports false when the order was no longer in from.
func (d *Database) AppendTransition(ctx context.Context, id, from string, entry HistoryEntry, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     entry.Status,
		"updated_at": entry.ChangedAt,
	}
	for k, v := range extra {
		updates[k] = v
	}

	db := d.db.WithContext(ctx)
	result := db.Model(&Order{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	entry.OrderID = id
	if err := db.Create(&entry).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) AppendNotification(ctx context.Context, orderID string, n Notification) error {
	n.OrderID = orderID
	return d.db.WithContext(ctx).Create(&n).Error
}

func (d *Database) ListOrders(ctx context.Context, filter Filter, offset, limit int) ([]Order, int64, error) {
	query := d.db.WithContext(ctx).Model(&Order{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.BuyerID != "" {
		query = query.Where("buyer_id = ?", filter.BuyerID)
	}
	if filter.SellerID != "" {
		query = query.Where("seller_id = ?", filter.SellerID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []Order
	err := preloadLogs(query).Order("created_at DESC").Order("id").Offset(offset).Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// FindExpired returns reserved reservations whose window has closed and,
// when pendingBefore is set, reservation requests created before it that
// are still pending
func (d *Database) FindExpired(ctx context.Context, now time.Time, pendingBefore *time.Time) ([]Order, error) {
	query := d.db.WithContext(ctx).Where(
		"type = ? AND status = ? AND reservation_expires_at IS NOT NULL AND reservation_expires_at <= ?",
		TypeReservation, StatusReserved, now,
	)
	if pendingBefore != nil {
		query = query.Or("type = ? AND status = ? AND created_at <= ?", TypeReservation, StatusPending, *pendingBefore)
	}

	var orders []Order
	if err := query.Order("created_at").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// HasDisclosingReservation implements contact.ReservationLookup
func (d *Database) HasDisclosingReservation(ctx context.Context, listingID, buyerID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Order{}).
		Where("listing_id = ? AND buyer_id = ? AND type = ? AND status IN ?", listingID, buyerID, TypeReservation, disclosingStatuses).
		Count(&count).Error
	return count > 0, err
}

// DeleteByListing implements listings.Dependents. It runs on the caller's
// transaction.
func (d *Database) DeleteByListing(tx *gorm.DB, listingID string) (int64, error) {
	orderIDs := tx.Model(&Order{}).Select("id").Where("listing_id = ?", listingID)

	if err := tx.Where("order_id IN (?)", orderIDs).Delete(&HistoryEntry{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("order_id IN (?)", orderIDs).Delete(&Notification{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("order_id IN (?)", orderIDs).Delete(&IdempotencyRecord{}).Error; err != nil {
		return 0, err
	}

	result := tx.Where("listing_id = ?", listingID).Delete(&Order{})
	return result.RowsAffected, result.Error
}

// GetIdempotencyRecord returns the unexpired record for key and buyer, nil
// when there is none
func (d *Database) GetIdempotencyRecord(ctx context.Context, key, buyerID string, now time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND buyer_id = ? AND expires_at > ?", key, buyerID, now).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// PutIdempotencyRecord stores the record. An expired record for the same key
// and buyer is replaced; a live one makes the insert fail with a unique
// violation.
func (d *Database) PutIdempotencyRecord(ctx context.Context, record *IdempotencyRecord, now time.Time) error {
	db := d.db.WithContext(ctx)
	err := db.Where("idempotency_key = ? AND buyer_id = ? AND expires_at <= ?", record.IdempotencyKey, record.BuyerID, now).
		Delete(&IdempotencyRecord{}).Error
	if err != nil {
		return err
	}
	return db.Create(record).Error
}

// DeleteIdempotencyRecord forgets the key for the buyer
func (d *Database) DeleteIdempotencyRecord(ctx context.Context, key, buyerID string) error {
	return d.db.WithContext(ctx).
		Where("idempotency_key = ? AND buyer_id = ?", key, buyerID).
		Delete(&IdempotencyRecord{}).Error
}

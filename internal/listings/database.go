package listings

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrListingNotFound is returned by writes that matched no listing
var ErrListingNotFound = errors.New("listing not found")

// Dependents removes rows that reference a listing, inside the caller's
// transaction
type Dependents interface {
	DeleteByListing(tx *gorm.DB, listingID string) (int64, error)
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to an open transaction
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateListing(ctx context.Context, listing *Listing) error {
	return d.db.WithContext(ctx).Create(listing).Error
}

// GetListing returns nil when no listing has the id
func (d *Database) GetListing(ctx context.Context, id string) (*Listing, error) {
	var listing Listing
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &listing, nil
}

func (d *Database) ListListings(ctx context.Context, filter Filter, offset, limit int) ([]Listing, int64, error) {
	query := d.db.WithContext(ctx).Model(&Listing{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Active != nil {
		query = query.Where("is_active = ?", *filter.Active)
	}
	if filter.SellerID != "" {
		query = query.Where("seller_id = ?", filter.SellerID)
	}
	if filter.CardID != "" {
		query = query.Where("card_id = ?", filter.CardID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var listings []Listing
	err := query.Order("created_at DESC").Order("id").Offset(offset).Limit(limit).Find(&listings).Error
	if err != nil {
		return nil, 0, err
	}
	return listings, total, nil
}

// Featured returns the most searched available listing, nil if there is none
func (d *Database) Featured(ctx context.Context) (*Listing, error) {
	var listing Listing
	err := d.db.WithContext(ctx).
		Where("status = ? AND is_active = ?", StatusApproved, true).
		Order("search_count DESC").
		Order("created_at DESC").
		First(&listing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &listing, nil
}

// UpdateFields writes seller-editable columns. Hold columns are rejected.
func (d *Database) UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error {
	for _, column := range []string{"reserved_by", "reserved_until", "is_active", "status"} {
		if _, ok := updates[column]; ok {
			return errors.New("column " + column + " cannot be updated directly")
		}
	}

	result := d.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (d *Database) UpdateStatus(ctx context.Context, id, status string, rejectionReason *string) error {
	result := d.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":           status,
		"rejection_reason": rejectionReason,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (d *Database) IncrementSearchCount(ctx context.Context, id string) error {
	return d.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).
		UpdateColumn("search_count", gorm.Expr("search_count + ?", 1)).Error
}

// SetHold is the only write path for the hold fields. It is used by the
// order lifecycle and the reservation sweeper, never by user-facing updates.
func (d *Database) SetHold(ctx context.Context, id string, hold Hold) error {
	result := d.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).Updates(map[string]interface{}{
		"reserved_by":    hold.ReservedBy,
		"reserved_until": hold.ReservedUntil,
		"is_active":      hold.IsActive,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrListingNotFound
	}
	return nil
}

// DeleteListing removes the listing together with everything referencing it
func (d *Database) DeleteListing(ctx context.Context, id string, dependents Dependents) (int64, error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return 0, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var removed int64
	if dependents != nil {
		n, err := dependents.DeleteByListing(tx, id)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		removed = n
	}

	result := tx.Where("id = ?", id).Delete(&Listing{})
	if result.Error != nil {
		tx.Rollback()
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return 0, ErrListingNotFound
	}

	return removed, tx.Commit().Error
}

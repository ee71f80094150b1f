package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/database/migrations"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/orders"
	"github.com/cardtrader/cardtrader-api/internal/users"
)

// NewDatabase opens the sqlite database at path and brings the schema up to date
func NewDatabase(path string) (*gorm.DB, error) {
	gormLogger := log.With().Str("component", "gorm").Logger()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		Logger: logger.New(&gormLogger, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}

	// sqlite has a single writer; one connection keeps transactions serialised
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates tables and the indexes the order lifecycle relies on
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&users.User{},
		&catalog.Card{},
		&listings.Listing{},
		&orders.Order{},
		&orders.HistoryEntry{},
		&orders.Notification{},
		&orders.IdempotencyRecord{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddOrderIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddListingIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

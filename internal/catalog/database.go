package catalog

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateCard(ctx context.Context, card *Card) error {
	return d.db.WithContext(ctx).Create(card).Error
}

// FindCard returns nil when the card is not in the catalog
func (d *Database) FindCard(ctx context.Context, id string) (*Card, error) {
	var card Card
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &card, nil
}

// FindCards loads the given cards keyed by id. Unknown ids are skipped.
func (d *Database) FindCards(ctx context.Context, ids []string) (map[string]*Card, error) {
	cards := make(map[string]*Card, len(ids))
	if len(ids) == 0 {
		return cards, nil
	}

	var rows []Card
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		cards[rows[i].ID] = &rows[i]
	}
	return cards, nil
}

package catalog

import "time"

// Card is a catalog entry. Listings may reference one for display.
type Card struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	SetName   string    `json:"set_name"`
	Number    string    `json:"number"`
	Rarity    string    `json:"rarity"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}

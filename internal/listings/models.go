package listings

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/contact"
)

// Moderation states of a listing
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Conditions a card can be listed in
var Conditions = []string{
	"Mint",
	"Near Mint",
	"Light Played",
	"Moderately Played",
	"Heavily Played",
	"Damaged",
}

// NormalizeCondition maps a case-insensitive condition label onto its
// canonical spelling, returning false for unknown labels
func NormalizeCondition(condition string) (string, bool) {
	condition = strings.TrimSpace(condition)
	for _, c := range Conditions {
		if strings.EqualFold(c, condition) {
			return c, true
		}
	}
	return "", false
}

type Listing struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	SellerID        string          `gorm:"size:36;not null" json:"seller_id"`
	CardID          *string         `gorm:"size:64;index" json:"card_id"`
	Name            string          `gorm:"not null" json:"name"`
	Price           decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Condition       string          `gorm:"not null" json:"condition"`
	Description     string          `json:"description"`
	ImageData       string          `json:"image_data,omitempty"`
	Status          string          `gorm:"size:16;not null" json:"status"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	IsActive        bool            `json:"is_active"`
	ContactWhatsapp *string         `json:"-"`
	SearchCount     int64           `json:"search_count"`

	// Hold fields. Written only through Database.SetHold.
	ReservedBy    *string    `gorm:"size:36" json:"reserved_by"`
	ReservedUntil *time.Time `json:"reserved_until"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available reports whether new orders may be placed against the listing
func (l *Listing) Available() bool {
	return l.Status == StatusApproved && l.IsActive
}

// ContactSubject describes the listing to the disclosure gate
func (l *Listing) ContactSubject() contact.Subject {
	return contact.Subject{
		ListingID:       l.ID,
		SellerID:        l.SellerID,
		ReservedBy:      l.ReservedBy,
		ContactWhatsapp: l.ContactWhatsapp,
	}
}

// Hold is the reservation state of a listing
type Hold struct {
	ReservedBy    *string
	ReservedUntil *time.Time
	IsActive      bool
}

// Released is the hold of a listing nobody is holding
func Released() Hold {
	return Hold{IsActive: true}
}

// View is the serialised form of a listing. ContactWhatsapp is only set when
// the requester passed the disclosure gate; otherwise it is omitted entirely.
type View struct {
	Listing
	ContactWhatsapp *string       `json:"contact_whatsapp,omitempty"`
	Card            *catalog.Card `json:"card"`
}

type CreateRequest struct {
	CardID          *string          `json:"card_id"`
	Name            string           `json:"name"`
	Price           *decimal.Decimal `json:"price"`
	Condition       string           `json:"condition"`
	Description     string           `json:"description"`
	ImageData       string           `json:"image_data"`
	ContactWhatsapp *string          `json:"contact_whatsapp"`
}

// UpdateRequest holds the seller-editable fields. Nil means unchanged.
type UpdateRequest struct {
	CardID          *string          `json:"card_id"`
	Name            *string          `json:"name"`
	Price           *decimal.Decimal `json:"price"`
	Condition       *string          `json:"condition"`
	Description     *string          `json:"description"`
	ImageData       *string          `json:"image_data"`
	ContactWhatsapp *string          `json:"contact_whatsapp"`
}

type StatusRequest struct {
	Status          string `json:"status" binding:"required"`
	RejectionReason string `json:"rejection_reason"`
}

// Filter narrows listing queries. Zero values do not filter.
type Filter struct {
	Status   string
	Active   *bool
	SellerID string
	CardID   string
}

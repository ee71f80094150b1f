package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/listings"
)

// Order types
const (
	TypePurchase    = "purchase"
	TypeReservation = "reservation"
)

// Order statuses
const (
	StatusPending   = "pending"
	StatusReserved  = "reserved"
	StatusPaid      = "paid"
	StatusCancelled = "cancelled"
)

// Notification types and recipients
const (
	NotifyReserved  = "reserved"
	NotifyPaid      = "paid"
	NotifyCancelled = "cancelled"
	NotifyInfo      = "info"

	RecipientBuyer  = "buyer"
	RecipientSeller = "seller"
)

// activeReservationStatuses hold a listing against other reservations
var activeReservationStatuses = []string{StatusPending, StatusReserved, StatusPaid}

// disclosingStatuses let the buyer see the seller contact
var disclosingStatuses = []string{StatusReserved, StatusPaid}

// Order is a purchase or a reservation against a listing. CardID, SellerID
// and Total are copied from the listing at creation and never refreshed.
type Order struct {
	ID                   string          `gorm:"primaryKey;size:36" json:"id"`
	ListingID            string          `gorm:"size:36;not null;index" json:"listing_id"`
	CardID               *string         `gorm:"size:64" json:"card_id"`
	SellerID             string          `gorm:"size:36;not null" json:"seller_id"`
	BuyerID              string          `gorm:"size:36;not null" json:"buyer_id"`
	Type                 string          `gorm:"size:16;not null" json:"type"`
	Status               string          `gorm:"size:16;not null" json:"status"`
	Total                decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"total"`
	Notes                string          `json:"notes"`
	ReservationExpiresAt *time.Time      `json:"reservation_expires_at"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`

	History       []HistoryEntry `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"history"`
	Notifications []Notification `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"notifications"`
}

func (o *Order) IsReservation() bool {
	return o.Type == TypeReservation
}

// HistoryEntry is one append-only status change. Entries are ordered by ID.
type HistoryEntry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	OrderID   string    `gorm:"size:36;not null" json:"-"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	Note      string    `json:"note"`
	ChangedBy string    `gorm:"size:36;not null" json:"changed_by"`
	ChangedAt time.Time `gorm:"not null" json:"changed_at"`
}

func (HistoryEntry) TableName() string {
	return "order_history"
}

type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	OrderID   string    `gorm:"size:36;not null" json:"-"`
	Type      string    `gorm:"size:16;not null" json:"type"`
	Message   string    `json:"message"`
	Recipient string    `gorm:"size:16;not null" json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
}

func (Notification) TableName() string {
	return "order_notifications"
}

// IdempotencyRecord maps a buyer's Idempotency-Key to the order it created
type IdempotencyRecord struct {
	IdempotencyKey string    `gorm:"primaryKey;size:128" json:"idempotency_key"`
	BuyerID        string    `gorm:"primaryKey;size:36" json:"buyer_id"`
	OrderID        string    `gorm:"size:36;not null;index" json:"order_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (IdempotencyRecord) TableName() string {
	return "order_idempotency_records"
}

type CreateRequest struct {
	ListingID string `json:"listing_id"`
	Type      string `json:"type"`
	Note      string `json:"note"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// Filter narrows order queries. Zero values do not filter.
type Filter struct {
	Status   string
	Type     string
	BuyerID  string
	SellerID string
}

// View is the serialised order with its listing run through the
// disclosure gate
type View struct {
	Order
	Listing *listings.View `json:"listing"`
	Card    *catalog.Card  `json:"card"`
}

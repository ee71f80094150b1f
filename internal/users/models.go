package users

import "time"

type User struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	Name               string    `gorm:"not null" json:"name"`
	Email              string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash       string    `gorm:"not null" json:"-"`
	Role               string    `gorm:"not null;index" json:"role"`
	ContactWhatsapp    *string   `json:"contact_whatsapp,omitempty"`
	IsActive           bool      `json:"is_active"`
	SubscriptionActive bool      `json:"subscription_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type RegisterRequest struct {
	Name            string  `json:"name" binding:"required"`
	Email           string  `json:"email" binding:"required,email"`
	Password        string  `json:"password" binding:"required,min=6"`
	Role            string  `json:"role"`
	ContactWhatsapp *string `json:"contact_whatsapp"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	User       *User     `json:"user"`
}

// UpdateRequest carries the admin-editable user fields. Nil means unchanged.
type UpdateRequest struct {
	Name               *string `json:"name"`
	Role               *string `json:"role"`
	IsActive           *bool   `json:"is_active"`
	SubscriptionActive *bool   `json:"subscription_active"`
	ContactWhatsapp    *string `json:"contact_whatsapp"`
}

// ProfileRequest carries the fields a user may change on their own account
type ProfileRequest struct {
	Name            *string `json:"name"`
	ContactWhatsapp *string `json:"contact_whatsapp"`
}

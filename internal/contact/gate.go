// Package contact decides who may see a seller's private contact number.
package contact

import (
	"context"
	"strings"

	"github.com/cardtrader/cardtrader-api/internal/types"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
)

// ErrNotConfigured is returned to an allowed requester when neither the
// listing nor the seller profile carries a contact number
var ErrNotConfigured = apperrors.NotFound("contact")

// Subject is the listing whose contact is being requested
type Subject struct {
	ListingID       string
	SellerID        string
	ReservedBy      *string
	ContactWhatsapp *string
}

// ReservationLookup reports whether buyerID holds a reservation on the
// listing in a state that discloses the seller contact (reserved or paid)
type ReservationLookup interface {
	HasDisclosingReservation(ctx context.Context, listingID, buyerID string) (bool, error)
}

// ProfileLookup resolves the profile-level contact of a user
type ProfileLookup interface {
	ContactFor(ctx context.Context, userID string) (*string, error)
}

type Gate struct {
	reservations ReservationLookup
	profiles     ProfileLookup
}

func NewGate(reservations ReservationLookup, profiles ProfileLookup) *Gate {
	return &Gate{
		reservations: reservations,
		profiles:     profiles,
	}
}

// Allowed evaluates the disclosure rules in order; the first match wins
func (g *Gate) Allowed(ctx context.Context, subject Subject, requester types.Principal) (bool, error) {
	if requester.Anonymous() {
		return false, nil
	}
	if requester.IsAdmin() {
		return true, nil
	}
	if requester.UserID == subject.SellerID {
		return true, nil
	}

	if g.reservations != nil {
		ok, err := g.reservations.HasDisclosingReservation(ctx, subject.ListingID, requester.UserID)
		if err != nil {
			return false, apperrors.Internal("failed to check reservation", err)
		}
		if ok {
			return true, nil
		}
	}

	if subject.ReservedBy != nil && *subject.ReservedBy == requester.UserID {
		return true, nil
	}

	return false, nil
}

// Resolve returns the contact for an explicit contact request. Denial is
// Forbidden; an allowed requester with nothing to show gets ErrNotConfigured.
func (g *Gate) Resolve(ctx context.Context, subject Subject, requester types.Principal) (string, error) {
	allowed, err := g.Allowed(ctx, subject, requester)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", apperrors.Forbidden("not allowed to view this contact")
	}

	contact, err := g.lookup(ctx, subject)
	if err != nil {
		return "", err
	}
	if contact == "" {
		return "", ErrNotConfigured
	}
	return contact, nil
}

// Disclose is used when serialising payloads: it returns nil whenever the
// field must be left out, whether because of denial or absence
func (g *Gate) Disclose(ctx context.Context, subject Subject, requester types.Principal) (*string, error) {
	allowed, err := g.Allowed(ctx, subject, requester)
	if err != nil || !allowed {
		return nil, err
	}

	contact, err := g.lookup(ctx, subject)
	if err != nil || contact == "" {
		return nil, err
	}
	return &contact, nil
}

// lookup prefers the listing value and falls back to the seller profile
func (g *Gate) lookup(ctx context.Context, subject Subject) (string, error) {
	if v := trimmed(subject.ContactWhatsapp); v != "" {
		return v, nil
	}
	if g.profiles == nil {
		return "", nil
	}

	profile, err := g.profiles.ContactFor(ctx, subject.SellerID)
	if err != nil {
		return "", apperrors.Internal("failed to load seller profile", err)
	}
	return trimmed(profile), nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

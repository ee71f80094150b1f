package orders_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/database"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/orders"
	"github.com/cardtrader/cardtrader-api/internal/types"
	"github.com/cardtrader/cardtrader-api/pkg/config"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	clock    *clock.Manual
	svc      *orders.Service
	listings *listings.Database
	seller   types.Principal
	admin    types.Principal
}

func newFixture(t *testing.T, policy config.Policy) *fixture {
	t.Helper()

	db := database.NewTestDB(t)
	clk := clock.NewManual(start)

	return &fixture{
		db:       db,
		clock:    clk,
		svc:      orders.NewService(db, orders.WithClock(clk), orders.WithPolicy(policy)),
		listings: listings.NewDatabase(db),
		seller:   types.Principal{UserID: "seller-1", Role: types.RoleSeller},
		admin:    types.Principal{UserID: "admin-1", Role: types.RoleAdmin},
	}
}

func client(id string) types.Principal {
	return types.Principal{UserID: id, Role: types.RoleClient}
}

// listing stores an approved, active listing owned by the fixture seller
func (f *fixture) listing(t *testing.T, mutate ...func(*listings.Listing)) *listings.Listing {
	t.Helper()

	cardID := "base1-4"
	l := &listings.Listing{
		ID:        uuid.New().String(),
		SellerID:  f.seller.UserID,
		CardID:    &cardID,
		Name:      "Charizard",
		Price:     decimal.NewFromInt(15000),
		Condition: "Near Mint",
		Status:    listings.StatusApproved,
		IsActive:  true,
		CreatedAt: f.clock.Now(),
	}
	for _, m := range mutate {
		m(l)
	}
	require.NoError(t, f.listings.CreateListing(context.Background(), l))
	return l
}

func (f *fixture) reload(t *testing.T, id string) *listings.Listing {
	t.Helper()

	l, err := f.listings.GetListing(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func (f *fixture) order(t *testing.T, id string) *orders.Order {
	t.Helper()

	o, err := f.svc.Store().GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (f *fixture) reserve(t *testing.T, buyer types.Principal, listingID string) *orders.Order {
	t.Helper()

	o, created, err := f.svc.Create(context.Background(), buyer, orders.CreateRequest{
		ListingID: listingID,
		Type:      orders.TypeReservation,
	}, "")
	require.NoError(t, err)
	require.True(t, created)
	return o
}

func (f *fixture) purchase(t *testing.T, buyer types.Principal, listingID string) *orders.Order {
	t.Helper()

	o, _, err := f.svc.Create(context.Background(), buyer, orders.CreateRequest{
		ListingID: listingID,
		Type:      orders.TypePurchase,
	}, "")
	require.NoError(t, err)
	return o
}

func requireHistoryMatchesStatus(t *testing.T, o *orders.Order) {
	t.Helper()

	require.NotEmpty(t, o.History, "order %s has no history", o.ID)
	last := o.History[len(o.History)-1]
	require.Equal(t, o.Status, last.Status, fmt.Sprintf("order %s history out of sync", o.ID))
}

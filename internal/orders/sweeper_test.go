package orders_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/contact"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/orders"
	"github.com/cardtrader/cardtrader-api/internal/types"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
)

func approve(t *testing.T, f *fixture, o *orders.Order) *orders.Order {
	t.Helper()

	approved, err := f.svc.Transition(context.Background(), f.seller, o.ID, orders.TransitionRequest{Status: orders.StatusReserved})
	require.NoError(t, err)
	return approved
}

func TestSweepExpiresReservation(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	l := f.listing(t)
	r := approve(t, f, f.reserve(t, client("buyer-1"), l.ID))

	// Still inside the window
	f.clock.Advance(23 * time.Hour)
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))
	assert.Equal(t, orders.StatusReserved, f.order(t, r.ID).Status)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))

	expired := f.order(t, r.ID)
	assert.Equal(t, orders.StatusCancelled, expired.Status)
	requireHistoryMatchesStatus(t, expired)

	last := expired.History[len(expired.History)-1]
	assert.Equal(t, types.SystemActor, last.ChangedBy)
	assert.Equal(t, "auto-cancelled: payment not confirmed within the reservation window", last.Note)

	notice := expired.Notifications[len(expired.Notifications)-1]
	assert.Equal(t, orders.RecipientBuyer, notice.Recipient)
	assert.Equal(t, orders.NotifyCancelled, notice.Type)

	freed := f.reload(t, l.ID)
	assert.Nil(t, freed.ReservedBy)
	assert.Nil(t, freed.ReservedUntil)
	assert.True(t, freed.IsActive)

	// Running again is a no-op
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))
	assert.Len(t, f.order(t, r.ID).History, len(expired.History))
}

func TestCreateSweepsBeforeChecking(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	l := f.listing(t)
	approve(t, f, f.reserve(t, client("buyer-1"), l.ID))

	f.clock.Advance(25 * time.Hour)

	// The lapsed hold is released on the way in, so the new reservation wins
	r := f.reserve(t, client("buyer-2"), l.ID)
	held := f.reload(t, l.ID)
	require.NotNil(t, held.ReservedBy)
	assert.Equal(t, "buyer-2", *held.ReservedBy)
	assert.Equal(t, orders.StatusPending, r.Status)
}

func TestPendingRequestsWaitForSellerByDefault(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	l := f.listing(t)
	r := f.reserve(t, client("buyer-1"), l.ID)

	f.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))

	assert.Equal(t, orders.StatusPending, f.order(t, r.ID).Status)
	assert.False(t, f.reload(t, l.ID).IsActive)
}

func TestPendingReservationTTL(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.PendingReservationTTL = 48 * time.Hour
	f := newFixture(t, policy)
	l := f.listing(t)
	r := f.reserve(t, client("buyer-1"), l.ID)

	f.clock.Advance(47 * time.Hour)
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))
	assert.Equal(t, orders.StatusPending, f.order(t, r.ID).Status)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))

	expired := f.order(t, r.ID)
	assert.Equal(t, orders.StatusCancelled, expired.Status)
	assert.Equal(t, "auto-cancelled: reservation request not approved in time", expired.History[len(expired.History)-1].Note)
	assert.True(t, f.reload(t, l.ID).IsActive)
}

func TestSweepContinuesPastDeletedListing(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	gone := f.listing(t)
	kept := f.listing(t)

	r1 := approve(t, f, f.reserve(t, client("buyer-1"), gone.ID))
	r2 := approve(t, f, f.reserve(t, client("buyer-2"), kept.ID))

	require.NoError(t, f.db.Exec("DELETE FROM listings WHERE id = ?", gone.ID).Error)

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.svc.Sweeper().Sweep(context.Background()))

	assert.Equal(t, orders.StatusCancelled, f.order(t, r1.ID).Status)
	assert.Equal(t, orders.StatusCancelled, f.order(t, r2.ID).Status)
	assert.True(t, f.reload(t, kept.ID).IsActive)
}

func TestSweepFailureSurfacesAsInternal(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	l := f.listing(t)
	approve(t, f, f.reserve(t, client("buyer-1"), l.ID))

	f.clock.Advance(48 * time.Hour)
	require.NoError(t, f.db.Exec("DROP TABLE order_notifications").Error)

	err := f.svc.Sweeper().Sweep(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.CodeInternal), "got %v", err)

	// The triggering request fails instead of acting on stale holds
	_, _, err = f.svc.Create(context.Background(), client("buyer-2"), orders.CreateRequest{ListingID: l.ID}, "")
	assert.True(t, apperrors.Is(err, apperrors.CodeInternal), "got %v", err)
}

func TestProcessorStopsWithContext(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	l := f.listing(t)
	r := approve(t, f, f.reserve(t, client("buyer-1"), l.ID))
	f.clock.Advance(48 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orders.NewProcessor(f.svc.Sweeper(), 10*time.Millisecond).Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		o, err := f.svc.Store().GetOrder(context.Background(), r.ID)
		return err == nil && o != nil && o.Status == orders.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestDeleteListingCascadesOrders(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	ctx := context.Background()
	l := f.listing(t)

	f.purchase(t, client("buyer-1"), l.ID)
	f.purchase(t, client("buyer-2"), l.ID)
	f.reserve(t, client("buyer-3"), l.ID)
	other := f.purchase(t, client("buyer-1"), f.listing(t).ID)

	gate := contact.NewGate(f.svc.Store(), nil)
	listingService := listings.NewService(f.db, gate, catalog.NewService(f.db),
		listings.WithDependents(f.svc.Store()),
		listings.WithSweeper(f.svc.Sweeper()),
	)

	err := listingService.Delete(ctx, client("buyer-1"), l.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeForbidden))

	require.NoError(t, listingService.Delete(ctx, f.seller, l.ID))

	var remaining int64
	require.NoError(t, f.db.Model(&orders.Order{}).Where("listing_id = ?", l.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)

	var orphans int64
	require.NoError(t, f.db.Model(&orders.HistoryEntry{}).
		Where("order_id NOT IN (?)", f.db.Model(&orders.Order{}).Select("id")).
		Count(&orphans).Error)
	assert.Zero(t, orphans)

	// Orders on other listings survive
	assert.Equal(t, other.ID, f.order(t, other.ID).ID)

	_, err = listingService.Get(ctx, l.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

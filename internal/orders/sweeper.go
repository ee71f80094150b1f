package orders

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/types"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
)

const (
	expiredReservationNote = "auto-cancelled: payment not confirmed within the reservation window"
	expiredRequestNote     = "auto-cancelled: reservation request not approved in time"
)

// Sweeper cancels reservations whose payment window has closed and frees
// their listings. It runs lazily at the start of every order and listing
// read or write, and optionally from a Processor.
type Sweeper struct {
	db       *Database
	listings *listings.Database
	policy   config.Policy
	clock    clock.Clock
}

func NewSweeper(gormDB *gorm.DB, policy config.Policy, clk clock.Clock) *Sweeper {
	return &Sweeper{
		db:       NewDatabase(gormDB),
		listings: listings.NewDatabase(gormDB),
		policy:   policy,
		clock:    clk,
	}
}

// Sweep expires every stale reservation. Each order is handled in its own
// transaction so one failure does not block the rest; any failure is still
// reported to the caller once all orders were attempted.
func (s *Sweeper) Sweep(ctx context.Context) error {
	logger := log.With().Str("component", "reservation_sweeper").Logger()

	now := s.clock.Now()
	var pendingBefore *time.Time
	if s.policy.PendingReservationTTL > 0 {
		cutoff := now.Add(-s.policy.PendingReservationTTL)
		pendingBefore = &cutoff
	}

	stale, err := s.db.FindExpired(ctx, now, pendingBefore)
	if err != nil {
		return apperrors.Internal("failed to scan expired reservations", err)
	}

	var errs []error
	for i := range stale {
		order := &stale[i]
		expired, err := s.expire(ctx, order, now)
		if err != nil {
			logger.Error().
				Err(err).
				Str("order_id", order.ID).
				Str("listing_id", order.ListingID).
				Msg("failed to expire reservation")
			errs = append(errs, err)
			continue
		}
		if expired {
			logger.Info().
				Str("order_id", order.ID).
				Str("listing_id", order.ListingID).
				Str("buyer_id", order.BuyerID).
				Str("from", order.Status).
				Msg("reservation auto-cancelled")
		}
	}

	if len(errs) > 0 {
		return apperrors.Internal("reservation sweep failed", errors.Join(errs...))
	}
	return nil
}

// expire cancels one order and frees its listing atomically. It reports
// false when the order had already moved on.
func (s *Sweeper) expire(ctx context.Context, order *Order, now time.Time) (bool, error) {
	note := expiredReservationNote
	message := "reservation cancelled automatically because payment was not confirmed in time"
	if order.Status == StatusPending {
		note = expiredRequestNote
		message = "reservation request cancelled automatically because the seller did not approve it in time"
	}

	var applied bool
	err := s.db.inTx(ctx, s.listings, func(store *Database, listingStore *listings.Database) error {
		var err error
		applied, err = store.AppendTransition(ctx, order.ID, order.Status, HistoryEntry{
			Status:    StatusCancelled,
			Note:      note,
			ChangedBy: types.SystemActor,
			ChangedAt: now,
		}, nil)
		if err != nil || !applied {
			return err
		}

		err = store.AppendNotification(ctx, order.ID, Notification{
			Type:      NotifyCancelled,
			Message:   message,
			Recipient: RecipientBuyer,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		err = listingStore.SetHold(ctx, order.ListingID, listings.Released())
		if errors.Is(err, listings.ErrListingNotFound) {
			return nil
		}
		return err
	})
	return applied, err
}

// Processor runs the sweeper on a fixed interval in the background
type Processor struct {
	sweeper  *Sweeper
	interval time.Duration
}

func NewProcessor(sweeper *Sweeper, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		sweeper:  sweeper,
		interval: interval,
	}
}

// Start begins the sweep loop and blocks until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "sweep_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting sweep processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down sweep processor")
			return
		case <-ticker.C:
			if err := p.sweeper.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("background sweep failed")
			}
		}
	}
}

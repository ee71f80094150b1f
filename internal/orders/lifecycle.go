package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/types"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
	"github.com/cardtrader/cardtrader-api/pkg/pagination"
)

const idempotencyTTL = 24 * time.Hour

// errKeyTaken reports that a concurrent request stored the same
// Idempotency-Key first
var errKeyTaken = errors.New("idempotency key already used")

// transitions lists the statuses each status may move to. paid and
// cancelled are terminal. Reservations must be approved (reserved) before
// they can be paid; purchases never pass through reserved.
var transitions = map[string]map[string][]string{
	TypeReservation: {
		StatusPending:  {StatusReserved, StatusCancelled},
		StatusReserved: {StatusPaid, StatusCancelled},
	},
	TypePurchase: {
		StatusPending: {StatusPaid, StatusCancelled},
	},
}

func canTransition(order *Order, to string) bool {
	for _, next := range transitions[order.Type][order.Status] {
		if next == to {
			return true
		}
	}
	return false
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

func WithPolicy(p config.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// Service is the order lifecycle manager. It owns creation and every status
// change of an order, and keeps the listing hold in step with them.
type Service struct {
	db       *Database
	listings *listings.Database
	sweeper  *Sweeper
	policy   config.Policy
	clock    clock.Clock
}

func NewService(gormDB *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:       NewDatabase(gormDB),
		listings: listings.NewDatabase(gormDB),
		policy:   config.DefaultPolicy(),
		clock:    clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sweeper = NewSweeper(gormDB, s.policy, s.clock)
	return s
}

// Store exposes the order store to the disclosure gate and the listing
// cascade
func (s *Service) Store() *Database {
	return s.db
}

func (s *Service) Sweeper() *Sweeper {
	return s.sweeper
}

func (s *Service) Policy() config.Policy {
	return s.policy
}

// Create places a purchase or reservation for principal. With a non-empty
// idempotencyKey, a repeat of an earlier request returns the original order
// and created=false.
func (s *Service) Create(ctx context.Context, principal types.Principal, req CreateRequest, idempotencyKey string) (order *Order, created bool, err error) {
	if principal.Anonymous() {
		return nil, false, apperrors.Unauthorized("authentication required")
	}

	listingID := strings.TrimSpace(req.ListingID)
	if listingID == "" {
		return nil, false, apperrors.Validation("listing_id is required")
	}
	orderType := req.Type
	if orderType == "" {
		orderType = TypePurchase
	}
	if orderType != TypePurchase && orderType != TypeReservation {
		return nil, false, apperrors.Validation("invalid order type")
	}

	if idempotencyKey != "" {
		existing, err := s.replay(ctx, s.db, idempotencyKey, principal.UserID)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}

	if err := s.sweeper.Sweep(ctx); err != nil {
		return nil, false, err
	}

	logger := log.With().
		Str("component", "order_lifecycle").
		Str("listing_id", listingID).
		Str("buyer_id", principal.UserID).
		Str("type", orderType).
		Logger()

	now := s.clock.Now()

	var replayed *Order
	err = s.db.inTx(ctx, s.listings, func(store *Database, listingStore *listings.Database) error {
		// Checked again under the write lock so concurrent retries replay
		if idempotencyKey != "" {
			existing, err := s.replay(ctx, store, idempotencyKey, principal.UserID)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = existing
				return nil
			}
		}

		listing, err := listingStore.GetListing(ctx, listingID)
		if err != nil {
			return apperrors.Internal("failed to load listing", err)
		}
		if listing == nil {
			return apperrors.NotFound("listing")
		}
		if listing.Status != listings.StatusApproved {
			return apperrors.Validation("listing not approved")
		}
		if !listing.IsActive {
			if listing.ReservedBy != nil {
				return apperrors.Conflict("listing already has an active reservation")
			}
			return apperrors.Validation("listing not available")
		}

		recent, err := store.CountRecentOrdersByBuyer(ctx, principal.UserID, now.Add(-s.policy.RateLimitWindow), StatusCancelled)
		if err != nil {
			return apperrors.Internal("failed to count recent orders", err)
		}
		if recent >= int64(s.policy.WeeklyOrderCap) {
			return apperrors.RateLimited(fmt.Sprintf("weekly limit of %d orders reached", s.policy.WeeklyOrderCap))
		}

		if orderType == TypeReservation {
			if principal.Role != types.RoleClient {
				return apperrors.Forbidden("only clients can create reservations")
			}
			active, err := store.FindActiveReservationForListing(ctx, listing.ID)
			if err != nil {
				return apperrors.Internal("failed to check reservations", err)
			}
			if active != nil {
				return apperrors.Conflict("listing already has an active reservation")
			}
		}

		order = s.draft(principal.UserID, orderType, req.Note, listing, now)

		if err := store.InsertOrder(ctx, order); err != nil {
			if isUniqueViolation(err) {
				return apperrors.Conflict("listing already has an active reservation")
			}
			return apperrors.Internal("failed to create order", err)
		}

		if order.IsReservation() {
			buyer := principal.UserID
			hold := listings.Hold{
				ReservedBy:    &buyer,
				ReservedUntil: order.ReservationExpiresAt,
				IsActive:      !s.policy.HoldMakesListingInactiveImmediately && order.Status == StatusPending,
			}
			if err := listingStore.SetHold(ctx, listing.ID, hold); err != nil {
				return apperrors.Internal("failed to hold listing", err)
			}
		}

		if idempotencyKey != "" {
			record := &IdempotencyRecord{
				IdempotencyKey: idempotencyKey,
				BuyerID:        principal.UserID,
				OrderID:        order.ID,
				ExpiresAt:      now.Add(idempotencyTTL),
				CreatedAt:      now,
			}
			if err := store.PutIdempotencyRecord(ctx, record, now); err != nil {
				if isUniqueViolation(err) {
					return errKeyTaken
				}
				return apperrors.Internal("failed to store idempotency key", err)
			}
		}

		return nil
	})
	if errors.Is(err, errKeyTaken) {
		existing, err := s.replay(ctx, s.db, idempotencyKey, principal.UserID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, apperrors.Conflict("idempotency key is being used by another request")
		}
		return existing, false, nil
	}
	if err != nil {
		if _, ok := apperrors.As(err); !ok {
			if isUniqueViolation(err) {
				err = apperrors.Conflict("listing already has an active reservation")
			} else {
				err = apperrors.Internal("failed to create order", err)
			}
		}
		logger.Debug().Err(err).Msg("order rejected")
		return nil, false, err
	}
	if replayed != nil {
		return replayed, false, nil
	}

	logger.Info().
		Str("order_id", order.ID).
		Str("status", order.Status).
		Msg("order created")

	return order, true, nil
}

// draft builds a new order from a snapshot of the listing
func (s *Service) draft(buyerID, orderType, note string, listing *listings.Listing, now time.Time) *Order {
	order := &Order{
		ID:        uuid.New().String(),
		ListingID: listing.ID,
		CardID:    listing.CardID,
		SellerID:  listing.SellerID,
		BuyerID:   buyerID,
		Type:      orderType,
		Status:    StatusPending,
		Total:     listing.Price,
		Notes:     note,
		CreatedAt: now,
		UpdatedAt: now,
	}

	defaultNote := "order created"
	if order.IsReservation() {
		if s.policy.ReservationRequiresSellerApproval {
			defaultNote = "reservation created, awaiting seller approval"
			order.Notifications = append(order.Notifications, Notification{
				Type:      NotifyInfo,
				Message:   fmt.Sprintf("buyer requested a reservation for listing %q", listing.Name),
				Recipient: RecipientSeller,
				CreatedAt: now,
			})
		} else {
			expires := now.Add(s.policy.ReservationWindow)
			order.Status = StatusReserved
			order.ReservationExpiresAt = &expires
			defaultNote = "reservation created"
			order.Notifications = append(order.Notifications, Notification{
				Type:      NotifyReserved,
				Message:   fmt.Sprintf("buyer created a reservation for listing %q", listing.Name),
				Recipient: RecipientSeller,
				CreatedAt: now,
			})
		}
	}

	if note == "" {
		note = defaultNote
	}
	order.History = []HistoryEntry{{
		Status:    order.Status,
		Note:      note,
		ChangedBy: buyerID,
		ChangedAt: now,
	}}

	return order
}

// replay returns the order an earlier request with the same key created. A
// key whose order was deleted with its listing is forgotten so it can be
// reused.
func (s *Service) replay(ctx context.Context, store *Database, key, buyerID string) (*Order, error) {
	record, err := store.GetIdempotencyRecord(ctx, key, buyerID, s.clock.Now())
	if err != nil {
		return nil, apperrors.Internal("failed to check idempotency key", err)
	}
	if record == nil {
		return nil, nil
	}

	order, err := store.GetOrder(ctx, record.OrderID)
	if err != nil {
		return nil, apperrors.Internal("failed to load order", err)
	}
	if order == nil {
		if err := store.DeleteIdempotencyRecord(ctx, key, buyerID); err != nil {
			return nil, apperrors.Internal("failed to clear idempotency key", err)
		}
	}
	return order, nil
}

// Transition changes the status of an order on behalf of principal
func (s *Service) Transition(ctx context.Context, principal types.Principal, orderID string, req TransitionRequest) (*Order, error) {
	to := req.Status
	switch to {
	case StatusReserved, StatusPaid, StatusCancelled:
	default:
		return nil, apperrors.Validation("invalid status")
	}

	if err := s.sweeper.Sweep(ctx); err != nil {
		return nil, err
	}

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.Internal("failed to load order", err)
	}
	if order == nil {
		return nil, apperrors.NotFound("order")
	}

	isSeller := order.SellerID == principal.UserID
	isBuyer := order.BuyerID == principal.UserID
	isAdmin := principal.IsAdmin()

	switch to {
	case StatusReserved:
		if !isSeller {
			return nil, apperrors.Forbidden("only the seller can approve a reservation")
		}
	case StatusPaid:
		if !isSeller && !isAdmin {
			return nil, apperrors.Forbidden("only the seller or an admin can mark an order as paid")
		}
	case StatusCancelled:
		if !isSeller && !isAdmin && !isBuyer {
			return nil, apperrors.Forbidden("not allowed to cancel this order")
		}
	}

	if !canTransition(order, to) {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot move order from %s to %s", order.Status, to))
	}

	now := s.clock.Now()
	note := req.Note
	if note == "" {
		note = "status updated to " + to
	}

	extra := map[string]interface{}{}
	expiresAt := order.ReservationExpiresAt
	if to == StatusReserved && expiresAt == nil {
		expires := now.Add(s.policy.ReservationWindow)
		expiresAt = &expires
		extra["reservation_expires_at"] = expires
	}

	var notifications []Notification
	switch {
	case to == StatusReserved && isSeller:
		notifications = append(notifications, Notification{
			Type:      NotifyReserved,
			Message:   fmt.Sprintf("reservation approved; you have %d hours to confirm payment", int(s.policy.ReservationWindow.Hours())),
			Recipient: RecipientBuyer,
			CreatedAt: now,
		})
	case (to == StatusPaid || to == StatusCancelled) && isSeller:
		notifications = append(notifications, Notification{
			Type:      to,
			Message:   fmt.Sprintf("order marked as %s by the seller", to),
			Recipient: RecipientBuyer,
			CreatedAt: now,
		})
	case to == StatusCancelled && isBuyer:
		notifications = append(notifications, Notification{
			Type:      NotifyCancelled,
			Message:   "order cancelled by the buyer",
			Recipient: RecipientSeller,
			CreatedAt: now,
		})
	}

	err = s.db.inTx(ctx, s.listings, func(store *Database, _ *listings.Database) error {
		applied, err := store.AppendTransition(ctx, order.ID, order.Status, HistoryEntry{
			Status:    to,
			Note:      note,
			ChangedBy: principal.UserID,
			ChangedAt: now,
		}, extra)
		if err != nil {
			return apperrors.Internal("failed to update order", err)
		}
		if !applied {
			return apperrors.Conflict("order status changed concurrently")
		}

		for _, n := range notifications {
			if err := store.AppendNotification(ctx, order.ID, n); err != nil {
				return apperrors.Internal("failed to record notification", err)
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := apperrors.As(err); !ok {
			err = apperrors.Internal("failed to update order", err)
		}
		return nil, err
	}

	log.Info().
		Str("component", "order_lifecycle").
		Str("order_id", order.ID).
		Str("from", order.Status).
		Str("status", to).
		Str("actor", principal.UserID).
		Msg("order status updated")

	if order.IsReservation() {
		s.reconcileHold(ctx, order, to, expiresAt)
	}

	updated, err := s.db.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, apperrors.Internal("failed to load order", err)
	}
	if updated == nil {
		return nil, apperrors.NotFound("order")
	}
	return updated, nil
}

// reconcileHold brings the listing hold in line with a committed transition.
// A failure leaves the transition in place and is logged for an operator.
func (s *Service) reconcileHold(ctx context.Context, order *Order, to string, expiresAt *time.Time) {
	var hold listings.Hold
	switch to {
	case StatusCancelled:
		hold = listings.Released()
	case StatusPaid:
		hold = listings.Hold{IsActive: false}
	case StatusReserved:
		buyer := order.BuyerID
		hold = listings.Hold{ReservedBy: &buyer, ReservedUntil: expiresAt, IsActive: false}
	default:
		return
	}

	if err := s.listings.SetHold(ctx, order.ListingID, hold); err != nil {
		log.Error().
			Err(err).
			Str("component", "order_lifecycle").
			Str("order_id", order.ID).
			Str("listing_id", order.ListingID).
			Str("status", to).
			Bool("is_active", hold.IsActive).
			Msg("listing hold out of sync with order; manual fix required")
	}
}

// Get returns an order visible to its buyer, its seller and admins
func (s *Service) Get(ctx context.Context, principal types.Principal, orderID string) (*Order, error) {
	if err := s.sweeper.Sweep(ctx); err != nil {
		return nil, err
	}

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.Internal("failed to load order", err)
	}
	if order == nil {
		return nil, apperrors.NotFound("order")
	}

	if !principal.IsAdmin() && order.BuyerID != principal.UserID && order.SellerID != principal.UserID {
		return nil, apperrors.Forbidden("not allowed to view this order")
	}
	return order, nil
}

// List returns orders scoped by role: buyers see their own orders, sellers
// the orders on their listings, admins everything
func (s *Service) List(ctx context.Context, principal types.Principal, filter Filter, params pagination.Params) ([]Order, pagination.Meta, error) {
	switch filter.Type {
	case "", TypePurchase, TypeReservation:
	default:
		return nil, pagination.Meta{}, apperrors.Validation("invalid order type")
	}
	switch filter.Status {
	case "", StatusPending, StatusReserved, StatusPaid, StatusCancelled:
	default:
		return nil, pagination.Meta{}, apperrors.Validation("invalid status")
	}

	if err := s.sweeper.Sweep(ctx); err != nil {
		return nil, pagination.Meta{}, err
	}

	filter.BuyerID, filter.SellerID = "", ""
	switch principal.Role {
	case types.RoleAdmin:
	case types.RoleSeller:
		filter.SellerID = principal.UserID
	default:
		filter.BuyerID = principal.UserID
	}

	orders, total, err := s.db.ListOrders(ctx, filter, params.Offset, params.PageSize)
	if err != nil {
		return nil, pagination.Meta{}, apperrors.Internal("failed to list orders", err)
	}
	return orders, params.NewMeta(total), nil
}

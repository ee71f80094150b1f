package listings

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/cardtrader/cardtrader-api/internal/auth"
	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/contact"
	"github.com/cardtrader/cardtrader-api/internal/types"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
	"github.com/cardtrader/cardtrader-api/pkg/pagination"
	"github.com/cardtrader/cardtrader-api/pkg/response"
)

// Sweeper expires stale reservations before reservation-dependent reads
type Sweeper interface {
	Sweep(ctx context.Context) error
}

type Option func(*Service)

// WithDependents sets what gets cascade-deleted together with a listing
func WithDependents(d Dependents) Option {
	return func(s *Service) {
		s.dependents = d
	}
}

func WithSweeper(sw Sweeper) Option {
	return func(s *Service) {
		s.sweeper = sw
	}
}

// WithProfiles lets new listings inherit the seller's profile contact
func WithProfiles(p contact.ProfileLookup) Option {
	return func(s *Service) {
		s.profiles = p
	}
}

// Service is the Listing Store: seller CRUD, admin moderation and the
// gated serialisation of listings
type Service struct {
	db         *Database
	gate       *contact.Gate
	cards      *catalog.Service
	dependents Dependents
	sweeper    Sweeper
	profiles   contact.ProfileLookup
}

func NewService(gormDB *gorm.DB, gate *contact.Gate, cards *catalog.Service, opts ...Option) *Service {
	s := &Service{
		db:    NewDatabase(gormDB),
		gate:  gate,
		cards: cards,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) sweep(ctx context.Context) error {
	if s.sweeper == nil {
		return nil
	}
	return s.sweeper.Sweep(ctx)
}

func normalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// Create stores a new listing owned by the caller. It always starts pending.
func (s *Service) Create(ctx context.Context, principal types.Principal, req CreateRequest) (*Listing, error) {
	if principal.Role != types.RoleSeller {
		return nil, apperrors.Forbidden("only sellers can publish listings")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || req.Price == nil || strings.TrimSpace(req.Condition) == "" {
		return nil, apperrors.Validation("name, price and condition are required")
	}
	if req.Price.IsNegative() {
		return nil, apperrors.Validation("price cannot be negative")
	}
	condition, ok := NormalizeCondition(req.Condition)
	if !ok {
		return nil, apperrors.Validation("unknown condition")
	}

	contactWhatsapp := normalizeOptional(req.ContactWhatsapp)
	if req.ContactWhatsapp == nil && s.profiles != nil {
		profile, err := s.profiles.ContactFor(ctx, principal.UserID)
		if err != nil {
			return nil, apperrors.Internal("failed to load seller profile", err)
		}
		contactWhatsapp = normalizeOptional(profile)
	}

	listing := &Listing{
		ID:              uuid.New().String(),
		SellerID:        principal.UserID,
		CardID:          normalizeOptional(req.CardID),
		Name:            name,
		Price:           req.Price.Round(2),
		Condition:       condition,
		Description:     req.Description,
		ImageData:       req.ImageData,
		Status:          StatusPending,
		IsActive:        true,
		ContactWhatsapp: contactWhatsapp,
	}

	if err := s.db.CreateListing(ctx, listing); err != nil {
		return nil, apperrors.Internal("failed to create listing", err)
	}

	log.Info().
		Str("component", "listings").
		Str("listing_id", listing.ID).
		Str("seller_id", listing.SellerID).
		Msg("listing created")

	return listing, nil
}

// Get returns the listing or NotFound
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	listing, err := s.db.GetListing(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("failed to load listing", err)
	}
	if listing == nil {
		return nil, apperrors.NotFound("listing")
	}
	return listing, nil
}

func canManage(listing *Listing, principal types.Principal) bool {
	return principal.IsAdmin() || listing.SellerID == principal.UserID
}

// Update changes the seller-editable fields of the caller's listing
func (s *Service) Update(ctx context.Context, principal types.Principal, id string, req UpdateRequest) (*Listing, error) {
	listing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.SellerID != principal.UserID {
		return nil, apperrors.Forbidden("cannot edit another seller's listing")
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperrors.Validation("name is required")
		}
		updates["name"] = name
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, apperrors.Validation("price cannot be negative")
		}
		updates["price"] = req.Price.Round(2)
	}
	if req.Condition != nil {
		condition, ok := NormalizeCondition(*req.Condition)
		if !ok {
			return nil, apperrors.Validation("unknown condition")
		}
		updates["condition"] = condition
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.ImageData != nil {
		updates["image_data"] = *req.ImageData
	}
	if req.CardID != nil {
		updates["card_id"] = normalizeOptional(req.CardID)
	}
	if req.ContactWhatsapp != nil {
		updates["contact_whatsapp"] = normalizeOptional(req.ContactWhatsapp)
	}

	if len(updates) > 0 {
		if err := s.db.UpdateFields(ctx, id, updates); err != nil {
			if errors.Is(err, ErrListingNotFound) {
				return nil, apperrors.NotFound("listing")
			}
			return nil, apperrors.Internal("failed to update listing", err)
		}
	}

	return s.Get(ctx, id)
}

// Delete removes a listing and cascades to every order referencing it.
// Owner or admin only.
func (s *Service) Delete(ctx context.Context, principal types.Principal, id string) error {
	listing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canManage(listing, principal) {
		return apperrors.Forbidden("cannot delete another seller's listing")
	}

	removed, err := s.db.DeleteListing(ctx, id, s.dependents)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return apperrors.NotFound("listing")
		}
		return apperrors.Internal("failed to delete listing", err)
	}

	log.Info().
		Str("component", "listings").
		Str("listing_id", id).
		Str("actor", principal.UserID).
		Int64("orders_removed", removed).
		Msg("listing deleted")

	return nil
}

// SetStatus moderates a listing. Rejections need a reason.
func (s *Service) SetStatus(ctx context.Context, id string, req StatusRequest) (*Listing, error) {
	var reason *string
	switch req.Status {
	case StatusApproved, StatusPending:
	case StatusRejected:
		reason = normalizeOptional(&req.RejectionReason)
		if reason == nil {
			return nil, apperrors.Validation("rejection_reason is required when rejecting")
		}
	default:
		return nil, apperrors.Validation("invalid listing status")
	}

	if err := s.db.UpdateStatus(ctx, id, req.Status, reason); err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return nil, apperrors.NotFound("listing")
		}
		return nil, apperrors.Internal("failed to update listing status", err)
	}

	return s.Get(ctx, id)
}

// Detail returns a listing for display. Listings that are not approved and
// active are only visible to their owner and admins.
func (s *Service) Detail(ctx context.Context, principal types.Principal, id string) (*View, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	listing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	owner := canManage(listing, principal)
	if !owner {
		if listing.Status != StatusApproved {
			return nil, apperrors.Forbidden("listing is not approved yet")
		}
		if !listing.IsActive {
			return nil, apperrors.Forbidden("listing is not available")
		}
		if err := s.db.IncrementSearchCount(ctx, id); err != nil {
			log.Warn().Err(err).Str("component", "listings").Str("listing_id", id).Msg("failed to bump search count")
		}
	}

	return s.View(ctx, principal, listing)
}

// Browse lists approved and active listings
func (s *Service) Browse(ctx context.Context, principal types.Principal, cardID string, params pagination.Params) ([]View, pagination.Meta, error) {
	active := true
	return s.list(ctx, principal, Filter{Status: StatusApproved, Active: &active, CardID: cardID}, params)
}

// Mine lists every listing of the calling seller
func (s *Service) Mine(ctx context.Context, principal types.Principal, params pagination.Params) ([]View, pagination.Meta, error) {
	return s.list(ctx, principal, Filter{SellerID: principal.UserID}, params)
}

// Moderation lists listings for admins, optionally by status
func (s *Service) Moderation(ctx context.Context, principal types.Principal, status string, params pagination.Params) ([]View, pagination.Meta, error) {
	switch status {
	case "", StatusPending, StatusApproved, StatusRejected:
	default:
		return nil, pagination.Meta{}, apperrors.Validation("invalid listing status")
	}
	return s.list(ctx, principal, Filter{Status: status}, params)
}

func (s *Service) list(ctx context.Context, principal types.Principal, filter Filter, params pagination.Params) ([]View, pagination.Meta, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, pagination.Meta{}, err
	}

	listings, total, err := s.db.ListListings(ctx, filter, params.Offset, params.PageSize)
	if err != nil {
		return nil, pagination.Meta{}, apperrors.Internal("failed to list listings", err)
	}

	views, err := s.Views(ctx, principal, listings)
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return views, params.NewMeta(total), nil
}

// Featured returns the most searched available listing, or nil
func (s *Service) Featured(ctx context.Context, principal types.Principal) (*View, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	listing, err := s.db.Featured(ctx)
	if err != nil {
		return nil, apperrors.Internal("failed to load featured listing", err)
	}
	if listing == nil {
		return nil, nil
	}
	return s.View(ctx, principal, listing)
}

// Contact resolves the seller contact for the explicit contact endpoint
func (s *Service) Contact(ctx context.Context, principal types.Principal, id string) (string, error) {
	if err := s.sweep(ctx); err != nil {
		return "", err
	}

	listing, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.gate.Resolve(ctx, listing.ContactSubject(), principal)
}

// View serialises one listing for principal
func (s *Service) View(ctx context.Context, principal types.Principal, listing *Listing) (*View, error) {
	views, err := s.Views(ctx, principal, []Listing{*listing})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// Views serialises listings for principal, resolving cards and running
// every listing through the disclosure gate
func (s *Service) Views(ctx context.Context, principal types.Principal, listings []Listing) ([]View, error) {
	ids := make([]string, 0, len(listings))
	for _, l := range listings {
		if l.CardID != nil {
			ids = append(ids, *l.CardID)
		}
	}

	cards := map[string]*catalog.Card{}
	if s.cards != nil {
		cards = s.cards.Lookup(ctx, ids...)
	}

	views := make([]View, 0, len(listings))
	for _, l := range listings {
		view := View{Listing: l}
		if l.CardID != nil {
			view.Card = cards[*l.CardID]
		}

		disclosed, err := s.gate.Disclose(ctx, l.ContactSubject(), principal)
		if err != nil {
			return nil, err
		}
		view.ContactWhatsapp = disclosed

		views = append(views, view)
	}
	return views, nil
}

// GinHandlers contains HTTP handlers for listing endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// BrowseHandler handles GET /listings
func (h *GinHandlers) BrowseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		params := pagination.FromQuery(c, 48, 200)

		views, meta, err := h.service.Browse(c.Request.Context(), auth.GetPrincipal(c), c.Query("card_id"), params)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"items": views, "pagination": meta})
	}
}

// MineHandler handles GET /listings/mine
func (h *GinHandlers) MineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		params := pagination.FromQuery(c, 48, 200)

		views, meta, err := h.service.Mine(c.Request.Context(), auth.GetPrincipal(c), params)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"listings": views, "pagination": meta})
	}
}

// FeaturedHandler handles GET /listings/featured
func (h *GinHandlers) FeaturedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.Featured(c.Request.Context(), auth.GetPrincipal(c))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"listing": view})
	}
}

// DetailHandler handles GET /listings/:id
func (h *GinHandlers) DetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.Detail(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"))
		response.Handle(c, view, err)
	}
}

// ContactHandler handles GET /listings/:id/contact
func (h *GinHandlers) ContactHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		contactWhatsapp, err := h.service.Contact(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"contact_whatsapp": contactWhatsapp})
	}
}

// CreateHandler handles POST /listings
func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		principal := auth.GetPrincipal(c)
		listing, err := h.service.Create(c.Request.Context(), principal, req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.service.View(c.Request.Context(), principal, listing)
		response.Handle(c, view, err)
	}
}

// UpdateHandler handles PUT /listings/:id
func (h *GinHandlers) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		principal := auth.GetPrincipal(c)
		listing, err := h.service.Update(c.Request.Context(), principal, c.Param("id"), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.service.View(c.Request.Context(), principal, listing)
		response.Handle(c, view, err)
	}
}

// DeleteHandler handles DELETE /listings/:id and DELETE /admin/listings/:id
func (h *GinHandlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Delete(c.Request.Context(), auth.GetPrincipal(c), c.Param("id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"deleted": true})
	}
}

// ModerationHandler handles GET /admin/listings
func (h *GinHandlers) ModerationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		params := pagination.FromQuery(c, 50, 200)

		views, meta, err := h.service.Moderation(c.Request.Context(), auth.GetPrincipal(c), c.Query("status"), params)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"items": views, "pagination": meta})
	}
}

// SetStatusHandler handles PATCH /admin/listings/:id/status
func (h *GinHandlers) SetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		principal := auth.GetPrincipal(c)
		listing, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.service.View(c.Request.Context(), principal, listing)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, view)
	}
}

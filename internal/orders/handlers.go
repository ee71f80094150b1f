package orders

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cardtrader/cardtrader-api/internal/auth"
	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/types"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
	"github.com/cardtrader/cardtrader-api/pkg/pagination"
	"github.com/cardtrader/cardtrader-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service  *Service
	listings *listings.Service
	cards    *catalog.Service
}

func NewGinHandlers(service *Service, listingService *listings.Service, cards *catalog.Service) *GinHandlers {
	return &GinHandlers{
		service:  service,
		listings: listingService,
		cards:    cards,
	}
}

// views attaches the gated listing and the catalog card to each order
func (h *GinHandlers) views(ctx context.Context, principal types.Principal, orders []Order) ([]View, error) {
	cardIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		if o.CardID != nil {
			cardIDs = append(cardIDs, *o.CardID)
		}
	}
	cards := h.cards.Lookup(ctx, cardIDs...)

	listingViews := make(map[string]*listings.View)
	views := make([]View, 0, len(orders))
	for _, o := range orders {
		view := View{Order: o}
		if o.CardID != nil {
			view.Card = cards[*o.CardID]
		}

		lv, seen := listingViews[o.ListingID]
		if !seen {
			listing, err := h.listings.Get(ctx, o.ListingID)
			switch {
			case apperrors.Is(err, apperrors.CodeNotFound):
			case err != nil:
				return nil, err
			default:
				if lv, err = h.listings.View(ctx, principal, listing); err != nil {
					return nil, err
				}
			}
			listingViews[o.ListingID] = lv
		}
		view.Listing = lv

		views = append(views, view)
	}
	return views, nil
}

func (h *GinHandlers) view(ctx context.Context, principal types.Principal, order *Order) (*View, error) {
	views, err := h.views(ctx, principal, []Order{*order})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// CreateOrderHandler handles POST /orders. An optional Idempotency-Key
// header makes retries return the original order.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		principal := auth.GetPrincipal(c)
		ctx := c.Request.Context()

		order, created, err := h.service.Create(ctx, principal, req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.view(ctx, principal, order)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		c.JSON(status, response.Response{
			Success: true,
			Data:    gin.H{"order": view},
		})
	}
}

// ListOrdersHandler handles GET /orders
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.GetPrincipal(c)
		ctx := c.Request.Context()
		params := pagination.FromQuery(c, 30, 200)

		orders, meta, err := h.service.List(ctx, principal, Filter{
			Status: c.Query("status"),
			Type:   c.Query("type"),
		}, params)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		views, err := h.views(ctx, principal, orders)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"orders": views, "pagination": meta})
	}
}

// GetOrderHandler handles GET /orders/:id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := auth.GetPrincipal(c)
		ctx := c.Request.Context()

		order, err := h.service.Get(ctx, principal, c.Param("id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.view(ctx, principal, order)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"order": view})
	}
}

// UpdateStatusHandler handles PATCH /orders/:id/status
func (h *GinHandlers) UpdateStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		principal := auth.GetPrincipal(c)
		ctx := c.Request.Context()

		order, err := h.service.Transition(ctx, principal, c.Param("id"), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		view, err := h.view(ctx, principal, order)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"order": view})
	}
}

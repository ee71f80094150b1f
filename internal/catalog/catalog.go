package catalog

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
	"github.com/cardtrader/cardtrader-api/pkg/response"
)

// Service resolves catalog cards for display enrichment
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// AddCard stores a new catalog card
func (s *Service) AddCard(ctx context.Context, card *Card) error {
	if card.Name == "" {
		return apperrors.Validation("card name is required")
	}
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if err := s.db.CreateCard(ctx, card); err != nil {
		return apperrors.Internal("failed to store card", err)
	}
	return nil
}

// FindCard returns the card or NotFound
func (s *Service) FindCard(ctx context.Context, id string) (*Card, error) {
	card, err := s.db.FindCard(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("failed to load card", err)
	}
	if card == nil {
		return nil, apperrors.NotFound("card")
	}
	return card, nil
}

// Lookup returns cards for enrichment. A catalog failure never fails the
// caller; it only leaves the cards out.
func (s *Service) Lookup(ctx context.Context, ids ...string) map[string]*Card {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	cards, err := s.db.FindCards(ctx, unique)
	if err != nil {
		log.Warn().Err(err).Str("component", "catalog").Msg("card lookup failed")
		return map[string]*Card{}
	}
	return cards
}

// GinHandlers contains HTTP handlers for catalog endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetCardHandler handles GET /cards/:id
func (h *GinHandlers) GetCardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		card, err := h.service.FindCard(c.Request.Context(), c.Param("id"))
		response.Handle(c, card, err)
	}
}

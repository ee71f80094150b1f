package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/database"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
)

func TestFindAndLookup(t *testing.T) {
	svc := catalog.NewService(database.NewTestDB(t))
	ctx := context.Background()

	require.NoError(t, svc.AddCard(ctx, &catalog.Card{ID: "base1-4", Name: "Charizard", SetName: "Base Set", Number: "4"}))
	generated := &catalog.Card{Name: "Pikachu"}
	require.NoError(t, svc.AddCard(ctx, generated))
	assert.NotEmpty(t, generated.ID)

	err := svc.AddCard(ctx, &catalog.Card{ID: "nameless"})
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	card, err := svc.FindCard(ctx, "base1-4")
	require.NoError(t, err)
	assert.Equal(t, "Charizard", card.Name)

	_, err = svc.FindCard(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	cards := svc.Lookup(ctx, "base1-4", "base1-4", "", "missing", generated.ID)
	assert.Len(t, cards, 2)
	assert.Equal(t, "Pikachu", cards[generated.ID].Name)

	assert.Empty(t, svc.Lookup(ctx))
}

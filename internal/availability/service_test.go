package availability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fournil-erp/fournil-erp/internal/catalog"
)

type fakeRepo struct {
	buckets map[int64][]Bucket
	recipes map[int64]Recipe
	calls   int
}

func (r *fakeRepo) ListBuckets(ctx context.Context, articleID int64) ([]Bucket, error) {
	r.calls++
	out := make([]Bucket, len(r.buckets[articleID]))
	copy(out, r.buckets[articleID])
	return out, nil
}

func (r *fakeRepo) GetRecipe(ctx context.Context, articleID int64) (Recipe, error) {
	recipe, ok := r.recipes[articleID]
	if !ok {
		return Recipe{}, ErrRecipeNotFound
	}
	return recipe, nil
}

type fakeCatalog struct {
	articles map[int64]catalog.Article
}

func (c *fakeCatalog) GetArticle(ctx context.Context, id int64) (catalog.Article, error) {
	a, ok := c.articles[id]
	if !ok {
		return catalog.Article{}, catalog.ErrArticleNotFound
	}
	return a, nil
}

func lotPtr(id int64) *int64 { return &id }

func expiry(days int) *time.Time {
	t := time.Now().UTC().AddDate(0, 0, days)
	return &t
}

func newFixture(perishable bool, buckets []Bucket) *Service {
	repo := &fakeRepo{buckets: map[int64][]Bucket{1: buckets}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{
		1: {ID: 1, Code: "BAG", Unit: "pc", IsPerishable: perishable, IsStockManaged: true},
	}}
	return NewService(repo, cat, nil)
}

func TestGetAvailabilitySummary(t *testing.T) {
	svc := newFixture(true, []Bucket{
		{LotID: lotPtr(1), ExpiresAt: expiry(1), ZoneID: 1, OnHand: 20, Reserved: 5},
		{LotID: lotPtr(2), ExpiresAt: expiry(3), ZoneID: 2, OnHand: 20, Reserved: 0},
	})
	bd, err := svc.GetAvailability(context.Background(), 1)
	require.NoError(t, err)

	require.InDelta(t, 40, bd.Summary.TotalStock, 0.001)
	require.InDelta(t, 5, bd.Summary.TotalReserved, 0.001)
	require.InDelta(t, 35, bd.Summary.TotalAvailable, 0.001)
	require.True(t, bd.Summary.RequiresLotSelection)
	require.True(t, bd.Summary.RequiresZoneSelection)
	require.False(t, bd.Summary.CanDirectDelivery)
	require.InDelta(t, 15, bd.Buckets[0].Available, 0.001)
}

func TestDirectDeliveryWithSingleBucket(t *testing.T) {
	svc := newFixture(false, []Bucket{
		{ZoneID: 1, OnHand: 12, Reserved: 2},
		{ZoneID: 2, OnHand: 0, Reserved: 0},
	})
	bd, err := svc.GetAvailability(context.Background(), 1)
	require.NoError(t, err)

	require.True(t, bd.Summary.CanDirectDelivery)
	require.False(t, bd.Summary.RequiresLotSelection)
	require.False(t, bd.Summary.RequiresZoneSelection)
}

func TestLotSelectionOnlyForPerishables(t *testing.T) {
	buckets := []Bucket{
		{LotID: lotPtr(1), ZoneID: 1, OnHand: 5},
		{LotID: lotPtr(2), ZoneID: 1, OnHand: 5},
	}
	bd, err := newFixture(false, buckets).GetAvailability(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, bd.Summary.RequiresLotSelection)

	bd, err = newFixture(true, buckets).GetAvailability(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, bd.Summary.RequiresLotSelection)
}

func TestHasEnoughAvailableStock(t *testing.T) {
	svc := newFixture(false, []Bucket{{ZoneID: 1, OnHand: 10, Reserved: 2}})
	ctx := context.Background()

	check, err := svc.HasEnoughAvailableStock(ctx, 1, 8)
	require.NoError(t, err)
	require.True(t, check.HasEnough)
	require.InDelta(t, 8, check.AvailableStock, 0.001)

	check, err = svc.HasEnoughAvailableStock(ctx, 1, 10)
	require.NoError(t, err)
	require.False(t, check.HasEnough)
	require.InDelta(t, 2, check.Shortfall, 0.001)

	_, err = svc.HasEnoughAvailableStock(ctx, 1, 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCheckIngredients(t *testing.T) {
	repo := &fakeRepo{
		buckets: map[int64][]Bucket{
			10: {{ZoneID: 1, OnHand: 100}},
			11: {{ZoneID: 1, OnHand: 3}},
		},
		recipes: map[int64]Recipe{
			1: {ArticleID: 1, Ingredients: []RecipeIngredient{
				{ArticleID: 10, QtyPerUnit: 0.5},
				{ArticleID: 11, QtyPerUnit: 0.2},
			}},
		},
	}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{
		10: {ID: 10, IsStockManaged: true},
		11: {ID: 11, IsStockManaged: true},
	}}
	svc := NewService(repo, cat, nil)

	result, err := svc.CheckIngredients(context.Background(), 1, 50)
	require.NoError(t, err)
	require.False(t, result.CanProduce)
	require.Len(t, result.Ingredients, 2)
	require.Len(t, result.Missing, 1)
	require.Equal(t, int64(11), result.Missing[0].ArticleID)
	require.InDelta(t, 10, result.Missing[0].Required, 0.001)
	require.InDelta(t, 7, result.Missing[0].Shortfall, 0.001)

	result, err = svc.CheckIngredients(context.Background(), 1, 5)
	require.NoError(t, err)
	require.True(t, result.CanProduce)
	require.Empty(t, result.Missing)

	_, err = svc.CheckIngredients(context.Background(), 99, 5)
	require.ErrorIs(t, err, ErrRecipeNotFound)
}

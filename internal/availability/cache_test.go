package availability

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fournil-erp/fournil-erp/internal/catalog"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	bd := Breakdown{
		ArticleID: 7,
		Buckets:   []Bucket{{ZoneID: 1, OnHand: 4, Available: 4}},
		Summary:   Summary{TotalStock: 4, TotalAvailable: 4, CanDirectDelivery: true},
	}
	cache.Set(ctx, bd)

	got, ok := cache.Get(ctx, 7)
	require.True(t, ok)
	require.Equal(t, bd, got)

	require.NoError(t, cache.Delete(ctx, 7))
	_, ok = cache.Get(ctx, 7)
	require.False(t, ok)
}

func TestServiceUsesCacheUntilInvalidated(t *testing.T) {
	cache, _ := newTestCache(t)
	repo := &fakeRepo{buckets: map[int64][]Bucket{1: {{ZoneID: 1, OnHand: 9}}}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: {ID: 1, IsStockManaged: true}}}
	svc := NewService(repo, cat, cache)
	ctx := context.Background()

	_, err := svc.GetAvailability(ctx, 1)
	require.NoError(t, err)
	_, err = svc.GetAvailability(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)

	require.NoError(t, svc.InvalidateArticle(ctx, 1))
	_, err = svc.GetAvailability(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

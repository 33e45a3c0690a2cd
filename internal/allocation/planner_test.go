package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fournil-erp/fournil-erp/internal/availability"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

type fakeAvailability struct {
	buckets []availability.Bucket
}

func (f *fakeAvailability) GetAvailability(ctx context.Context, articleID int64) (availability.Breakdown, error) {
	bd := availability.Breakdown{ArticleID: articleID, Buckets: f.buckets}
	for _, b := range f.buckets {
		bd.Summary.TotalAvailable += b.Available
	}
	return bd, nil
}

func lotPtr(id int64) *int64 { return &id }

func expiry(days int) *time.Time {
	t := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return &t
}

var perishable = catalog.Article{ID: 1, IsPerishable: true, IsStockManaged: true}
var shelfStable = catalog.Article{ID: 1, IsPerishable: false, IsStockManaged: true}

func TestAutoAllocationFEFO(t *testing.T) {
	// L1 expires sooner; requesting more than L1 holds spills into L2.
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{LotID: lotPtr(2), ExpiresAt: expiry(5), ZoneID: 2, OnHand: 20, Available: 20},
		{LotID: lotPtr(1), ExpiresAt: expiry(1), ZoneID: 1, OnHand: 20, Available: 20},
	}})

	splits, err := planner.Plan(context.Background(), perishable, 25, nil)
	require.NoError(t, err)
	require.Len(t, splits, 2)
	require.Equal(t, int64(1), *splits[0].LotID)
	require.Equal(t, int64(1), splits[0].ZoneID)
	require.InDelta(t, 20, splits[0].Qty, Epsilon)
	require.Equal(t, int64(2), *splits[1].LotID)
	require.InDelta(t, 5, splits[1].Qty, Epsilon)
}

func TestAutoAllocationTieBreakByBucketID(t *testing.T) {
	same := expiry(2)
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{LotID: lotPtr(9), ExpiresAt: same, ZoneID: 1, Available: 10},
		{LotID: lotPtr(3), ExpiresAt: same, ZoneID: 1, Available: 10},
		{LotID: lotPtr(3), ExpiresAt: same, ZoneID: 2, Available: 10},
	}})

	splits, err := planner.Plan(context.Background(), perishable, 25, nil)
	require.NoError(t, err)
	require.Len(t, splits, 3)
	require.Equal(t, int64(3), *splits[0].LotID)
	require.Equal(t, int64(1), splits[0].ZoneID)
	require.Equal(t, int64(3), *splits[1].LotID)
	require.Equal(t, int64(2), splits[1].ZoneID)
	require.Equal(t, int64(9), *splits[2].LotID)
}

func TestAutoAllocationLotLessStockLast(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{ZoneID: 1, Available: 10},
		{LotID: lotPtr(1), ExpiresAt: expiry(1), ZoneID: 1, Available: 4},
	}})

	splits, err := planner.Plan(context.Background(), perishable, 6, nil)
	require.NoError(t, err)
	require.Len(t, splits, 2)
	require.NotNil(t, splits[0].LotID)
	require.Nil(t, splits[1].LotID)
	require.InDelta(t, 2, splits[1].Qty, Epsilon)
}

func TestAutoAllocationInsufficient(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{ZoneID: 1, Available: 8},
	}})

	_, err := planner.Plan(context.Background(), shelfStable, 10, nil)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
}

func TestAutoAllocationSkipsFullyReservedBuckets(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{LotID: lotPtr(1), ExpiresAt: expiry(1), ZoneID: 1, OnHand: 10, Reserved: 10, Available: 0},
		{LotID: lotPtr(2), ExpiresAt: expiry(4), ZoneID: 1, OnHand: 10, Available: 10},
	}})

	splits, err := planner.Plan(context.Background(), perishable, 5, nil)
	require.NoError(t, err)
	require.Len(t, splits, 1)
	require.Equal(t, int64(2), *splits[0].LotID)
}

func TestCallerSplitsValidated(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{LotID: lotPtr(1), ZoneID: 1, Available: 10},
		{LotID: lotPtr(2), ZoneID: 2, Available: 10},
	}})
	ctx := context.Background()

	good := []Split{{LotID: lotPtr(1), ZoneID: 1, Qty: 4}, {LotID: lotPtr(2), ZoneID: 2, Qty: 6}}
	splits, err := planner.Plan(ctx, shelfStable, 10, good)
	require.NoError(t, err)
	require.Equal(t, good, splits)

	// Sum mismatch.
	_, err = planner.Plan(ctx, shelfStable, 10, []Split{{LotID: lotPtr(1), ZoneID: 1, Qty: 4}})
	require.ErrorIs(t, err, ErrInvalidSplit)

	// Bucket overdraw.
	_, err = planner.Plan(ctx, shelfStable, 12, []Split{{LotID: lotPtr(1), ZoneID: 1, Qty: 12}})
	require.ErrorIs(t, err, ErrInvalidSplit)

	// Unknown bucket.
	_, err = planner.Plan(ctx, shelfStable, 5, []Split{{LotID: lotPtr(9), ZoneID: 9, Qty: 5}})
	require.ErrorIs(t, err, ErrInvalidSplit)
}

func TestCallerSplitsAggregatePerBucket(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{LotID: lotPtr(1), ZoneID: 1, Available: 10},
	}})
	ctx := context.Background()

	// Two splits on the same bucket pass individually but overdraw combined.
	_, err := planner.Plan(ctx, shelfStable, 14, []Split{
		{LotID: lotPtr(1), ZoneID: 1, Qty: 7},
		{LotID: lotPtr(1), ZoneID: 1, Qty: 7},
	})
	require.ErrorIs(t, err, ErrInvalidSplit)

	// Same shape within the bucket's availability is fine.
	good := []Split{
		{LotID: lotPtr(1), ZoneID: 1, Qty: 7},
		{LotID: lotPtr(1), ZoneID: 1, Qty: 3},
	}
	splits, err := planner.Plan(ctx, shelfStable, 10, good)
	require.NoError(t, err)
	require.Equal(t, good, splits)
}

func TestCallerSplitsToleratesRounding(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{buckets: []availability.Bucket{
		{LotID: lotPtr(1), ZoneID: 1, Available: 10},
	}})

	splits := []Split{{LotID: lotPtr(1), ZoneID: 1, Qty: 9.9995}}
	got, err := planner.Plan(context.Background(), shelfStable, 10, splits)
	require.NoError(t, err)
	require.Equal(t, splits, got)
}

func TestPlanRejectsNonPositiveQuantity(t *testing.T) {
	planner := NewPlanner(&fakeAvailability{})
	_, err := planner.Plan(context.Background(), shelfStable, 0, nil)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

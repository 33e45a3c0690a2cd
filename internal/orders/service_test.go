package orders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fournil-erp/fournil-erp/internal/availability"
)

type fakeRepo struct {
	lines     map[int64][]OrderLine
	delivered map[int64]map[int64]float64
}

func (r *fakeRepo) GetOrderLine(ctx context.Context, id int64) (OrderLine, error) {
	for _, lines := range r.lines {
		for _, line := range lines {
			if line.ID == id {
				return line, nil
			}
		}
	}
	return OrderLine{}, ErrOrderLineNotFound
}

func (r *fakeRepo) ListOrderLines(ctx context.Context, orderID int64) ([]OrderLine, error) {
	return r.lines[orderID], nil
}

func (r *fakeRepo) DeliveredByOrderLine(ctx context.Context, orderID int64) (map[int64]float64, error) {
	if m, ok := r.delivered[orderID]; ok {
		return m, nil
	}
	return map[int64]float64{}, nil
}

type fakeAvailability struct {
	available map[int64]float64
}

func (a *fakeAvailability) HasEnoughAvailableStock(ctx context.Context, articleID int64, required float64) (availability.Check, error) {
	avail := a.available[articleID]
	check := availability.Check{AvailableStock: avail, HasEnough: avail+qtyEpsilon >= required}
	if !check.HasEnough {
		check.Shortfall = required - avail
	}
	return check, nil
}

func TestProductionStatusBatch(t *testing.T) {
	repo := &fakeRepo{
		lines: map[int64][]OrderLine{
			// Fully shipped.
			1: {{ID: 11, OrderID: 1, ArticleID: 100, QtyOrdered: 10}},
			// Nothing shipped, stock covers it.
			2: {{ID: 21, OrderID: 2, ArticleID: 100, QtyOrdered: 5}},
			// Two lines, only one coverable.
			3: {
				{ID: 31, OrderID: 3, ArticleID: 100, QtyOrdered: 5},
				{ID: 32, OrderID: 3, ArticleID: 200, QtyOrdered: 5},
			},
			// Nothing coverable.
			4: {{ID: 41, OrderID: 4, ArticleID: 200, QtyOrdered: 3}},
		},
		delivered: map[int64]map[int64]float64{
			1: {11: 10},
		},
	}
	avail := &fakeAvailability{available: map[int64]float64{100: 20, 200: 0}}
	svc := NewService(repo, avail)

	statuses, err := svc.ProductionStatusBatch(context.Background(), []int64{4, 3, 2, 1})
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	require.Equal(t, StatusDelivered, statuses[0].Status)
	require.Equal(t, StatusReady, statuses[1].Status)
	require.Equal(t, StatusPartial, statuses[2].Status)
	require.Equal(t, StatusAwaitingStock, statuses[3].Status)
	require.Equal(t, 10.0, statuses[0].QtyDelivered)
}

func TestProductionStatusBatchDeduplicates(t *testing.T) {
	repo := &fakeRepo{
		lines: map[int64][]OrderLine{
			1: {{ID: 11, OrderID: 1, ArticleID: 100, QtyOrdered: 2}},
		},
	}
	svc := NewService(repo, &fakeAvailability{available: map[int64]float64{100: 10}})

	statuses, err := svc.ProductionStatusBatch(context.Background(), []int64{1, 1, 1})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, StatusReady, statuses[0].Status)
}

func TestProductionStatusBatchUnknownOrder(t *testing.T) {
	svc := NewService(&fakeRepo{lines: map[int64][]OrderLine{}}, &fakeAvailability{})

	_, err := svc.ProductionStatusBatch(context.Background(), []int64{99})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestProductionStatusBatchRejectsBadInput(t *testing.T) {
	svc := NewService(&fakeRepo{}, &fakeAvailability{})

	_, err := svc.ProductionStatusBatch(context.Background(), nil)
	require.Error(t, err)
	_, err = svc.ProductionStatusBatch(context.Background(), []int64{0})
	require.Error(t, err)
}

func TestGetOrderLine(t *testing.T) {
	repo := &fakeRepo{lines: map[int64][]OrderLine{
		1: {{ID: 11, OrderID: 1, ArticleID: 100, QtyOrdered: 2}},
	}}
	svc := NewService(repo, &fakeAvailability{})

	line, err := svc.GetOrderLine(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, int64(100), line.ArticleID)

	_, err = svc.GetOrderLine(context.Background(), 999)
	require.ErrorIs(t, err, ErrOrderLineNotFound)
}

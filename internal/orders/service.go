package orders

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fournil-erp/fournil-erp/internal/availability"
)

// RepositoryPort abstracts order reads for the service.
type RepositoryPort interface {
	GetOrderLine(ctx context.Context, id int64) (OrderLine, error)
	ListOrderLines(ctx context.Context, orderID int64) ([]OrderLine, error)
	DeliveredByOrderLine(ctx context.Context, orderID int64) (map[int64]float64, error)
}

// AvailabilityPort answers sufficiency checks against current availability.
type AvailabilityPort interface {
	HasEnoughAvailableStock(ctx context.Context, articleID int64, required float64) (availability.Check, error)
}

// batchConcurrency bounds the parallel order lookups of a status batch.
const batchConcurrency = 8

// Service answers order-side questions for the fulfillment flow.
type Service struct {
	repo         RepositoryPort
	availability AvailabilityPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, avail AvailabilityPort) *Service {
	return &Service{repo: repo, availability: avail}
}

// GetOrderLine returns one order line.
func (s *Service) GetOrderLine(ctx context.Context, id int64) (OrderLine, error) {
	if id <= 0 {
		return OrderLine{}, ErrOrderLineNotFound
	}
	return s.repo.GetOrderLine(ctx, id)
}

// ProductionStatusBatch resolves the fulfillment status of several orders at
// once, fanning the per-order work out concurrently. Results come back
// ordered by order id.
func (s *Service) ProductionStatusBatch(ctx context.Context, orderIDs []int64) ([]OrderStatus, error) {
	if len(orderIDs) == 0 {
		return nil, errors.New("orders: at least one order id required")
	}
	seen := make(map[int64]struct{}, len(orderIDs))
	unique := make([]int64, 0, len(orderIDs))
	for _, id := range orderIDs {
		if id <= 0 {
			return nil, errors.New("orders: order ids must be positive")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	results := make([]OrderStatus, len(unique))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, orderID := range unique {
		i, orderID := i, orderID
		g.Go(func() error {
			status, err := s.productionStatus(ctx, orderID)
			if err != nil {
				return err
			}
			results[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].OrderID < results[j].OrderID })
	return results, nil
}

func (s *Service) productionStatus(ctx context.Context, orderID int64) (OrderStatus, error) {
	lines, err := s.repo.ListOrderLines(ctx, orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	if len(lines) == 0 {
		return OrderStatus{}, ErrOrderNotFound
	}
	delivered, err := s.repo.DeliveredByOrderLine(ctx, orderID)
	if err != nil {
		return OrderStatus{}, err
	}

	status := OrderStatus{OrderID: orderID}
	remainders := 0
	coverable := 0
	for _, line := range lines {
		status.QtyOrdered += line.QtyOrdered
		shipped := delivered[line.ID]
		status.QtyDelivered += shipped
		remaining := line.QtyOrdered - shipped
		if remaining <= qtyEpsilon {
			continue
		}
		remainders++
		check, err := s.availability.HasEnoughAvailableStock(ctx, line.ArticleID, remaining)
		if err != nil {
			return OrderStatus{}, err
		}
		if check.HasEnough {
			coverable++
		}
	}

	switch {
	case remainders == 0:
		status.Status = StatusDelivered
	case coverable == remainders:
		status.Status = StatusReady
	case coverable > 0:
		status.Status = StatusPartial
	default:
		status.Status = StatusAwaitingStock
	}
	return status, nil
}

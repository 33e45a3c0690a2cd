package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListByDelivery(ctx context.Context, deliveryID int64) ([]Reservation, error)
	GetReservation(ctx context.Context, id int64) (Reservation, error)
}

// PlannerPort resolves requested quantities into bucket splits.
type PlannerPort interface {
	Plan(ctx context.Context, article catalog.Article, requested float64, callerSplits []allocation.Split) ([]allocation.Split, error)
}

// CatalogPort resolves article master data.
type CatalogPort interface {
	GetArticle(ctx context.Context, id int64) (catalog.Article, error)
}

// CacheInvalidator drops cached availability for an article after a commit.
type CacheInvalidator interface {
	InvalidateArticle(ctx context.Context, articleID int64) error
}

// Service is the reservation store: it creates, closes and expires stock
// reservations while holding the row locks that keep concurrent callers from
// spending the same availability twice.
type Service struct {
	repo        RepositoryPort
	planner     PlannerPort
	catalog     CatalogPort
	invalidator CacheInvalidator
	ttl         time.Duration
}

// NewService builds Service. A zero ttl disables reservation expiry.
func NewService(repo RepositoryPort, planner PlannerPort, cat CatalogPort, invalidator CacheInvalidator, ttl time.Duration) *Service {
	return &Service{repo: repo, planner: planner, catalog: cat, invalidator: invalidator, ttl: ttl}
}

// CreateInput describes a batch reservation request for one delivery.
type CreateInput struct {
	DeliveryID int64
	Lines      []LineInput
}

// CreateReservations reserves stock for every line, all-or-nothing. Splits
// are planned FEFO outside the transaction, then re-validated against locked
// stock lines inside it: a stale availability read fails the whole batch with
// ErrInsufficientStock instead of overcommitting.
func (s *Service) CreateReservations(ctx context.Context, input CreateInput) ([]Reservation, error) {
	if input.DeliveryID <= 0 {
		return nil, errors.New("reservation: delivery required")
	}
	if len(input.Lines) == 0 {
		return nil, errors.New("reservation: at least one line required")
	}

	type plannedLine struct {
		line   LineInput
		splits []allocation.Split
	}
	planned := make([]plannedLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		if line.ArticleID <= 0 || line.Qty <= 0 {
			return nil, errors.New("reservation: article and positive quantity required on every line")
		}
		article, err := s.catalog.GetArticle(ctx, line.ArticleID)
		if err != nil {
			return nil, err
		}
		if !article.IsStockManaged {
			return nil, fmt.Errorf("reservation: article %d is not stock managed", line.ArticleID)
		}
		splits, err := s.planner.Plan(ctx, article, line.Qty, nil)
		if err != nil {
			return nil, err
		}
		planned = append(planned, plannedLine{line: line, splits: splits})
	}

	var expiresAt *time.Time
	if s.ttl > 0 {
		t := time.Now().UTC().Add(s.ttl)
		expiresAt = &t
	}

	var created []Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetDeliveryStatus(ctx, input.DeliveryID); err != nil {
			return err
		}
		for _, p := range planned {
			for _, split := range p.splits {
				if err := ensureBucketAvailable(ctx, tx, p.line.ArticleID, split.LotID, split.ZoneID, split.Qty); err != nil {
					return err
				}
				res := Reservation{
					DeliveryID:     input.DeliveryID,
					DeliveryLineID: p.line.DeliveryLineID,
					OrderLineID:    p.line.OrderLineID,
					ArticleID:      p.line.ArticleID,
					LotID:          split.LotID,
					ZoneID:         split.ZoneID,
					QtyReserved:    split.Qty,
					Status:         StatusReserved,
					ExpiresAt:      expiresAt,
				}
				id, err := tx.InsertReservation(ctx, res)
				if err != nil {
					return err
				}
				res.ID = id
				created = append(created, res)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateArticles(ctx, created)
	return created, nil
}

// CancelReservations releases every active reservation of a delivery back to
// availability. Cancelling an already-cancelled batch is a no-op.
func (s *Service) CancelReservations(ctx context.Context, deliveryID int64) error {
	if deliveryID <= 0 {
		return errors.New("reservation: delivery required")
	}
	var articleIDs []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ids, err := tx.CancelActiveByDelivery(ctx, deliveryID)
		if err != nil {
			return err
		}
		articleIDs = ids
		return nil
	})
	if err != nil {
		return err
	}
	if s.invalidator != nil {
		for _, id := range articleIDs {
			_ = s.invalidator.InvalidateArticle(ctx, id)
		}
	}
	return nil
}

// MarkDelivered increases a reservation's delivered quantity, closing it when
// the full reserved quantity is out the door.
func (s *Service) MarkDelivered(ctx context.Context, reservationID int64, qty float64) (Reservation, error) {
	var updated Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		next, err := ApplyDelivery(res, qty)
		if err != nil {
			return err
		}
		if err := tx.UpdateDelivered(ctx, next.ID, next.QtyDelivered, next.Status); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	if s.invalidator != nil {
		_ = s.invalidator.InvalidateArticle(ctx, updated.ArticleID)
	}
	return updated, nil
}

// ReleaseExpired cancels RESERVED rows whose expiry passed, the same way a
// cancel-before-validation does. The worker sweep calls it periodically.
func (s *Service) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	var released []Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		expired, err := tx.ListExpiredForUpdate(ctx, now)
		if err != nil {
			return err
		}
		for _, res := range expired {
			if err := tx.UpdateStatus(ctx, res.ID, StatusCancelled); err != nil {
				return err
			}
		}
		released = expired
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.invalidateArticles(ctx, released)
	return len(released), nil
}

// ListByDelivery returns every reservation of a delivery, terminal included.
func (s *Service) ListByDelivery(ctx context.Context, deliveryID int64) ([]Reservation, error) {
	return s.repo.ListByDelivery(ctx, deliveryID)
}

// GetReservation returns one reservation by id.
func (s *Service) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}

func (s *Service) invalidateArticles(ctx context.Context, rows []Reservation) {
	if s.invalidator == nil {
		return
	}
	seen := make(map[int64]struct{}, len(rows))
	for _, res := range rows {
		if _, ok := seen[res.ArticleID]; ok {
			continue
		}
		seen[res.ArticleID] = struct{}{}
		_ = s.invalidator.InvalidateArticle(ctx, res.ArticleID)
	}
}

// ensureBucketAvailable locks the bucket's stock line and re-checks that the
// quantity is still free to promise. The sum must run after the lock is held
// and on a snapshot that sees committed claims, which is why the repository
// transaction runs read committed.
func ensureBucketAvailable(ctx context.Context, tx TxRepository, articleID int64, lotID *int64, zoneID int64, qty float64) error {
	onHand, err := tx.GetBucketOnHandForUpdate(ctx, articleID, lotID, zoneID)
	if err != nil {
		if errors.Is(err, stock.ErrStockLineNotFound) {
			return fmt.Errorf("reservation: article %d: %w", articleID, stock.ErrInsufficientStock)
		}
		return err
	}
	reserved, err := tx.SumActiveReserved(ctx, articleID, lotID, zoneID)
	if err != nil {
		return err
	}
	if onHand-reserved+qtyEpsilon < qty {
		return fmt.Errorf("reservation: article %d: %w", articleID, stock.ErrInsufficientStock)
	}
	return nil
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/orders"
	"github.com/fournil-erp/fournil-erp/internal/reservation"
	"github.com/fournil-erp/fournil-erp/internal/shared"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
	ListDeliveries(ctx context.Context, filter ListFilter) ([]Delivery, shared.Pagination, error)
}

// PlannerPort resolves requested quantities into bucket splits.
type PlannerPort interface {
	Plan(ctx context.Context, article catalog.Article, requested float64, callerSplits []allocation.Split) ([]allocation.Split, error)
}

// CatalogPort resolves article master data.
type CatalogPort interface {
	GetArticle(ctx context.Context, id int64) (catalog.Article, error)
}

// OrderPort resolves order lines. The fulfillment core never mutates orders.
type OrderPort interface {
	GetOrderLine(ctx context.Context, id int64) (orders.OrderLine, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached availability for an article after a commit.
type CacheInvalidator interface {
	InvalidateArticle(ctx context.Context, articleID int64) error
}

// ServiceConfig tunes delivery behaviour.
type ServiceConfig struct {
	ReservationTTL     time.Duration
	AllowNegativeStock bool
}

// Service drives the delivery lifecycle. Every transition runs as one
// transaction across the delivery, its reservations and the stock ledger, so
// a failure on any write leaves the previous state fully intact.
type Service struct {
	repo        RepositoryPort
	planner     PlannerPort
	catalog     CatalogPort
	orders      OrderPort
	audit       AuditPort
	invalidator CacheInvalidator
	ttl         time.Duration
	allowNeg    bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, planner PlannerPort, cat CatalogPort, ord OrderPort, audit AuditPort, invalidator CacheInvalidator, cfg ServiceConfig) *Service {
	return &Service{
		repo:        repo,
		planner:     planner,
		catalog:     cat,
		orders:      ord,
		audit:       audit,
		invalidator: invalidator,
		ttl:         cfg.ReservationTTL,
		allowNeg:    cfg.AllowNegativeStock,
	}
}

// Create builds a delivery for an order, plans every line against current
// availability (caller splits win when supplied) and reserves the planned
// buckets. The delivery, its lines and its reservations commit together; any
// allocation or reservation failure persists nothing.
func (s *Service) Create(ctx context.Context, input CreateInput) (Delivery, error) {
	if input.OrderID <= 0 {
		return Delivery{}, errors.New("delivery: order required")
	}
	if len(input.Lines) == 0 {
		return Delivery{}, ErrEmptyDelivery
	}

	type plannedLine struct {
		line   CreateLineInput
		splits []allocation.Split
	}
	planned := make([]plannedLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		if line.ArticleID <= 0 || line.Qty <= 0 {
			return Delivery{}, errors.New("delivery: article and positive quantity required on every line")
		}
		article, err := s.catalog.GetArticle(ctx, line.ArticleID)
		if err != nil {
			return Delivery{}, err
		}
		if !article.IsStockManaged {
			return Delivery{}, fmt.Errorf("delivery: article %d is not stock managed", line.ArticleID)
		}
		if s.orders != nil && line.OrderLineID > 0 {
			ol, err := s.orders.GetOrderLine(ctx, line.OrderLineID)
			if err != nil {
				return Delivery{}, err
			}
			if ol.ArticleID != line.ArticleID {
				return Delivery{}, fmt.Errorf("delivery: order line %d is for article %d, not %d", line.OrderLineID, ol.ArticleID, line.ArticleID)
			}
		}
		splits, err := s.planner.Plan(ctx, article, line.Qty, line.Splits)
		if err != nil {
			return Delivery{}, err
		}
		planned = append(planned, plannedLine{line: line, splits: splits})
	}

	var expiresAt *time.Time
	if s.ttl > 0 {
		t := time.Now().UTC().Add(s.ttl)
		expiresAt = &t
	}

	var created Delivery
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deliveryID, err := tx.InsertDelivery(ctx, Delivery{OrderID: input.OrderID, Status: StatusDraft})
		if err != nil {
			return err
		}
		created = Delivery{ID: deliveryID, OrderID: input.OrderID, Status: StatusDraft}
		for _, p := range planned {
			lineID, err := tx.InsertLine(ctx, Line{
				DeliveryID:  deliveryID,
				OrderLineID: p.line.OrderLineID,
				ArticleID:   p.line.ArticleID,
				Qty:         p.line.Qty,
			})
			if err != nil {
				return err
			}
			created.Lines = append(created.Lines, Line{
				ID:          lineID,
				DeliveryID:  deliveryID,
				OrderLineID: p.line.OrderLineID,
				ArticleID:   p.line.ArticleID,
				Qty:         p.line.Qty,
			})
			for _, split := range p.splits {
				if err := s.ensureBucketAvailable(ctx, tx, p.line.ArticleID, split.LotID, split.ZoneID, split.Qty); err != nil {
					return err
				}
				if _, err := tx.InsertReservation(ctx, reservation.Reservation{
					DeliveryID:     deliveryID,
					DeliveryLineID: lineID,
					OrderLineID:    p.line.OrderLineID,
					ArticleID:      p.line.ArticleID,
					LotID:          split.LotID,
					ZoneID:         split.ZoneID,
					QtyReserved:    split.Qty,
					Status:         reservation.StatusReserved,
					ExpiresAt:      expiresAt,
				}); err != nil {
					return err
				}
			}
		}
		if err := tx.UpdateDeliveryStatus(ctx, deliveryID, StatusReserved); err != nil {
			return err
		}
		created.Status = StatusReserved
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	s.invalidateLineArticles(ctx, created.Lines)
	s.record(ctx, "delivery:create", created.ID, map[string]any{
		"order_id": created.OrderID,
		"lines":    len(created.Lines),
	})
	return created, nil
}

// Validate ships a reserved delivery: one DELIVERY operation debits every
// reserved bucket and each reservation closes as delivered. A ledger failure
// on any bucket aborts the whole validation and the delivery stays reserved.
func (s *Service) Validate(ctx context.Context, deliveryID, actorID int64) (Delivery, error) {
	now := time.Now().UTC()
	var (
		validated  Delivery
		articleIDs []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !d.Status.CanValidate() {
			return fmt.Errorf("delivery %d is %s: %w", deliveryID, d.Status, ErrInvalidTransition)
		}
		reservations, err := tx.ListReservationsForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}

		opID, err := tx.InsertOperation(ctx, stock.Operation{
			Code:      fmt.Sprintf("OP-%s-%d", stock.OperationTypeDelivery, now.UnixNano()),
			Type:      stock.OperationTypeDelivery,
			RefModule: "delivery",
			Note:      fmt.Sprintf("delivery %d validation", deliveryID),
			PostedAt:  now,
			CreatedBy: actorID,
		})
		if err != nil {
			return err
		}

		var lines []stock.OperationLine
		delivered := 0
		for _, res := range reservations {
			remaining := res.Remaining()
			if remaining <= qtyEpsilon {
				continue
			}
			if err := s.applyDelta(ctx, tx, res.ArticleID, res.LotID, res.ZoneID, -remaining); err != nil {
				return err
			}
			next, err := reservation.ApplyDelivery(res, remaining)
			if err != nil {
				return err
			}
			if err := tx.UpdateReservationDelivered(ctx, res.ID, next.QtyDelivered, next.Status, opID); err != nil {
				return err
			}
			lines = append(lines, stock.OperationLine{
				OperationID: opID,
				ArticleID:   res.ArticleID,
				LotID:       res.LotID,
				ZoneID:      res.ZoneID,
				Qty:         -remaining,
			})
			articleIDs = append(articleIDs, res.ArticleID)
			delivered++
		}
		if delivered == 0 {
			return fmt.Errorf("delivery %d has no active reservations: %w", deliveryID, ErrInvalidTransition)
		}
		if err := tx.InsertOperationLines(ctx, opID, lines); err != nil {
			return err
		}
		if err := tx.UpdateDeliveryValidated(ctx, deliveryID, now); err != nil {
			return err
		}
		d.Status = StatusValidated
		d.IsValidated = true
		d.ValidatedAt = &now
		validated = d
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	s.invalidateArticles(ctx, articleIDs)
	s.record(ctx, "delivery:validate", deliveryID, map[string]any{"actor_id": actorID})
	return validated, nil
}

// CancelBeforeValidation releases a reserved delivery. Stock was never
// debited, so cancelling only closes the reservations.
func (s *Service) CancelBeforeValidation(ctx context.Context, deliveryID int64, reason string) (Delivery, error) {
	var (
		cancelled  Delivery
		articleIDs []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !d.Status.CanCancelBefore() {
			return fmt.Errorf("delivery %d is %s: %w", deliveryID, d.Status, ErrInvalidTransition)
		}
		ids, err := tx.CancelActiveReservations(ctx, deliveryID)
		if err != nil {
			return err
		}
		articleIDs = ids
		if err := tx.UpdateDeliveryCancelled(ctx, deliveryID, StatusCancelledBefore, reason); err != nil {
			return err
		}
		d.Status = StatusCancelledBefore
		d.CancelReason = reason
		cancelled = d
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	s.invalidateArticles(ctx, articleIDs)
	s.record(ctx, "delivery:cancel-before", deliveryID, map[string]any{"reason": reason})
	return cancelled, nil
}

// CancelAfterValidation reverses a validated delivery. With returnToStock the
// delivered quantities are credited back through a RETURN_DELIVERY operation;
// otherwise a WASTE_DELIVERY operation records the write-off without touching
// stock. Either way the operation is parent-linked to the validation one.
func (s *Service) CancelAfterValidation(ctx context.Context, deliveryID int64, reason string, returnToStock bool) (Delivery, error) {
	now := time.Now().UTC()
	opType := stock.OperationTypeWasteDelivery
	finalStatus := StatusCancelledWasted
	if returnToStock {
		opType = stock.OperationTypeReturnDelivery
		finalStatus = StatusCancelledReturned
	}

	var (
		cancelled  Delivery
		articleIDs []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetDeliveryForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !d.Status.CanCancelAfter() {
			return fmt.Errorf("delivery %d is %s: %w", deliveryID, d.Status, ErrInvalidTransition)
		}
		reservations, err := tx.ListReservationsForUpdate(ctx, deliveryID)
		if err != nil {
			return err
		}

		var parentOpID *int64
		var lines []stock.OperationLine
		for _, res := range reservations {
			if res.QtyDelivered <= qtyEpsilon {
				continue
			}
			if res.OperationID != nil && parentOpID == nil {
				parentOpID = res.OperationID
			}
			lines = append(lines, stock.OperationLine{
				ArticleID: res.ArticleID,
				LotID:     res.LotID,
				ZoneID:    res.ZoneID,
				Qty:       res.QtyDelivered,
			})
			articleIDs = append(articleIDs, res.ArticleID)
		}
		if len(lines) == 0 {
			return fmt.Errorf("delivery %d has nothing delivered: %w", deliveryID, ErrInvalidTransition)
		}

		opID, err := tx.InsertOperation(ctx, stock.Operation{
			Code:              fmt.Sprintf("OP-%s-%d", opType, now.UnixNano()),
			Type:              opType,
			ParentOperationID: parentOpID,
			RefModule:         "delivery",
			Note:              reason,
			PostedAt:          now,
		})
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].OperationID = opID
			if opType.AppliesDeltas() {
				if err := s.applyDelta(ctx, tx, lines[i].ArticleID, lines[i].LotID, lines[i].ZoneID, lines[i].Qty); err != nil {
					return err
				}
			}
		}
		if err := tx.InsertOperationLines(ctx, opID, lines); err != nil {
			return err
		}
		if err := tx.UpdateDeliveryCancelled(ctx, deliveryID, finalStatus, reason); err != nil {
			return err
		}
		d.Status = finalStatus
		d.CancelReason = reason
		cancelled = d
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	if returnToStock {
		s.invalidateArticles(ctx, articleIDs)
	}
	s.record(ctx, "delivery:cancel-after", deliveryID, map[string]any{
		"reason":          reason,
		"return_to_stock": returnToStock,
	})
	return cancelled, nil
}

// Get returns a delivery with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// List returns deliveries matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Delivery, shared.Pagination, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.Pagination{}, fmt.Errorf("delivery: unknown status %q", filter.Status)
	}
	return s.repo.ListDeliveries(ctx, filter)
}

// applyDelta mutates one locked stock line by a signed quantity, mirroring
// the ledger's delta rules.
func (s *Service) applyDelta(ctx context.Context, tx TxRepository, articleID int64, lotID *int64, zoneID int64, qty float64) error {
	line, err := tx.GetStockLineForUpdate(ctx, articleID, lotID, zoneID)
	if err != nil {
		if errors.Is(err, stock.ErrStockLineNotFound) {
			if qty < 0 && !s.allowNeg {
				return fmt.Errorf("delivery: article %d: %w", articleID, stock.ErrInsufficientStock)
			}
			line = stock.StockLine{ArticleID: articleID, LotID: lotID, ZoneID: zoneID}
		} else {
			return err
		}
	}
	newQty := line.Qty + qty
	if newQty < -qtyEpsilon && !s.allowNeg {
		return fmt.Errorf("delivery: article %d: %w", articleID, stock.ErrInsufficientStock)
	}
	line.Qty = newQty
	return tx.UpsertStockLine(ctx, line)
}

// ensureBucketAvailable locks the bucket's stock line and re-checks that the
// quantity is still free to promise. The sum runs after the lock on a
// read-committed snapshot, so it counts claims committed while the lock was
// awaited.
func (s *Service) ensureBucketAvailable(ctx context.Context, tx TxRepository, articleID int64, lotID *int64, zoneID int64, qty float64) error {
	line, err := tx.GetStockLineForUpdate(ctx, articleID, lotID, zoneID)
	if err != nil {
		if errors.Is(err, stock.ErrStockLineNotFound) {
			return fmt.Errorf("delivery: article %d: %w", articleID, stock.ErrInsufficientStock)
		}
		return err
	}
	reserved, err := tx.SumActiveReserved(ctx, articleID, lotID, zoneID)
	if err != nil {
		return err
	}
	if line.Qty-reserved+qtyEpsilon < qty {
		return fmt.Errorf("delivery: article %d: %w", articleID, stock.ErrInsufficientStock)
	}
	return nil
}

func (s *Service) invalidateLineArticles(ctx context.Context, lines []Line) {
	if s.invalidator == nil {
		return
	}
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ArticleID]; ok {
			continue
		}
		seen[line.ArticleID] = struct{}{}
		_ = s.invalidator.InvalidateArticle(ctx, line.ArticleID)
	}
}

func (s *Service) invalidateArticles(ctx context.Context, articleIDs []int64) {
	if s.invalidator == nil {
		return
	}
	seen := make(map[int64]struct{}, len(articleIDs))
	for _, id := range articleIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		_ = s.invalidator.InvalidateArticle(ctx, id)
	}
}

func (s *Service) record(ctx context.Context, action string, deliveryID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "delivery",
		EntityID: fmt.Sprintf("%d", deliveryID),
		Meta:     meta,
	})
}

package stock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fournil-erp/fournil-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOperation(ctx context.Context, id int64) (Operation, error)
	ListStockLines(ctx context.Context, articleID int64) ([]StockLine, error)
	GetQuantity(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached availability for an article after a commit.
type CacheInvalidator interface {
	InvalidateArticle(ctx context.Context, articleID int64) error
}

// Service coordinates the stock ledger and the operation ledger.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	invalidator CacheInvalidator
	allowNeg    bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, invalidator CacheInvalidator, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, invalidator: invalidator, allowNeg: cfg.AllowNegativeStock}
}

// PostReception posts an inbound movement from a supplier.
func (s *Service) PostReception(ctx context.Context, input ReceptionInput) (Operation, error) {
	if input.ArticleID == 0 || input.ZoneID == 0 {
		return Operation{}, errors.New("stock: article and zone required")
	}
	if input.Qty <= 0 {
		return Operation{}, ErrInvalidQuantity
	}
	if input.UnitCost < 0 {
		return Operation{}, ErrInvalidUnitCost
	}
	return s.PostOperation(ctx, PostOperationInput{
		Code:    input.Code,
		Type:    OperationTypeReception,
		Note:    input.Note,
		ActorID: input.ActorID,
		Lines: []OperationLineInput{{
			ArticleID: input.ArticleID,
			LotID:     input.LotID,
			ZoneID:    input.ZoneID,
			Qty:       input.Qty,
			UnitCost:  input.UnitCost,
		}},
	})
}

// PostAdjustment posts a manual correction which may be positive or negative.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (Operation, error) {
	if input.ArticleID == 0 || input.ZoneID == 0 {
		return Operation{}, errors.New("stock: article and zone required")
	}
	if math.Abs(input.Qty) < qtyEpsilon {
		return Operation{}, ErrInvalidQuantity
	}
	if input.Qty > 0 && input.UnitCost < 0 {
		return Operation{}, ErrInvalidUnitCost
	}
	return s.PostOperation(ctx, PostOperationInput{
		Code:    input.Code,
		Type:    OperationTypeAdjustment,
		Note:    input.Note,
		ActorID: input.ActorID,
		Lines: []OperationLineInput{{
			ArticleID: input.ArticleID,
			LotID:     input.LotID,
			ZoneID:    input.ZoneID,
			Qty:       input.Qty,
			UnitCost:  input.UnitCost,
		}},
	})
}

// PostProduction posts produced output together with consumed ingredients.
func (s *Service) PostProduction(ctx context.Context, input ProductionInput) (Operation, error) {
	if input.ArticleID == 0 || input.ZoneID == 0 {
		return Operation{}, errors.New("stock: article and zone required")
	}
	if input.Qty <= 0 {
		return Operation{}, ErrInvalidQuantity
	}
	lines := make([]OperationLineInput, 0, len(input.Ingredients)+1)
	lines = append(lines, OperationLineInput{
		ArticleID: input.ArticleID,
		LotID:     input.LotID,
		ZoneID:    input.ZoneID,
		Qty:       input.Qty,
		UnitCost:  input.UnitCost,
	})
	for _, ing := range input.Ingredients {
		if ing.Qty >= 0 {
			return Operation{}, fmt.Errorf("stock: ingredient line for article %d must consume stock: %w", ing.ArticleID, ErrInvalidQuantity)
		}
		lines = append(lines, ing)
	}
	return s.PostOperation(ctx, PostOperationInput{
		Code:    input.Code,
		Type:    OperationTypeProduction,
		Note:    input.Note,
		ActorID: input.ActorID,
		Lines:   lines,
	})
}

// PostOperation appends an operation to the ledger and applies every line's
// delta to the stock ledger as one atomic unit. Any line failure aborts the
// whole posting; nothing persists.
func (s *Service) PostOperation(ctx context.Context, input PostOperationInput) (Operation, error) {
	if !input.Type.IsValid() {
		return Operation{}, ErrInvalidOperationType
	}
	if len(input.Lines) == 0 {
		return Operation{}, errors.New("stock: operation requires at least one line")
	}
	for _, line := range input.Lines {
		if line.ArticleID == 0 || line.ZoneID == 0 {
			return Operation{}, errors.New("stock: article and zone required on every line")
		}
		if math.Abs(line.Qty) < qtyEpsilon {
			return Operation{}, ErrInvalidQuantity
		}
		if line.UnitCost < 0 {
			return Operation{}, ErrInvalidUnitCost
		}
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return Operation{}, fmt.Errorf("stock: invalid ref id: %w", err)
		}
	}

	now := time.Now().UTC()
	code := input.Code
	if code == "" {
		code = fmt.Sprintf("OP-%s-%d", input.Type, now.UnixNano())
	}

	key := fmt.Sprintf("%s:%s", input.Type, code)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return Operation{}, err
		}
		insertedKey = true
	}

	op := Operation{
		Code:              code,
		Type:              input.Type,
		ParentOperationID: input.ParentOperationID,
		RefModule:         input.RefModule,
		RefID:             input.RefID,
		Note:              input.Note,
		PostedAt:          now,
		CreatedBy:         input.ActorID,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		opID, err := tx.InsertOperation(ctx, op)
		if err != nil {
			return err
		}
		op.ID = opID
		for _, in := range input.Lines {
			line := OperationLine{
				OperationID: opID,
				ArticleID:   in.ArticleID,
				LotID:       in.LotID,
				ZoneID:      in.ZoneID,
				Qty:         in.Qty,
				UnitCost:    in.UnitCost,
			}
			if input.Type.AppliesDeltas() {
				if err := applyDelta(ctx, tx, in.ArticleID, in.LotID, in.ZoneID, in.Qty, s.allowNeg); err != nil {
					return err
				}
			}
			op.Lines = append(op.Lines, line)
		}
		return tx.InsertOperationLines(ctx, opID, op.Lines)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Operation{}, err
	}

	if s.invalidator != nil {
		seen := make(map[int64]struct{}, len(op.Lines))
		for _, line := range op.Lines {
			if _, ok := seen[line.ArticleID]; ok {
				continue
			}
			seen[line.ArticleID] = struct{}{}
			_ = s.invalidator.InvalidateArticle(ctx, line.ArticleID)
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("stock:%s", input.Type),
			Entity:   "inventory_operation",
			EntityID: code,
			Meta: map[string]any{
				"operation_id": op.ID,
				"lines":        len(op.Lines),
				"note":         input.Note,
			},
		})
	}
	return op, nil
}

// GetOperation returns a posted operation with its lines.
func (s *Service) GetOperation(ctx context.Context, id int64) (Operation, error) {
	return s.repo.GetOperation(ctx, id)
}

// ListStockLines returns every stock line bucket for an article.
func (s *Service) ListStockLines(ctx context.Context, articleID int64) ([]StockLine, error) {
	if articleID == 0 {
		return nil, errors.New("stock: article required")
	}
	return s.repo.ListStockLines(ctx, articleID)
}

// GetQuantity returns the on-hand quantity for one (article, lot, zone) bucket.
func (s *Service) GetQuantity(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	if articleID == 0 || zoneID == 0 {
		return 0, errors.New("stock: article and zone required")
	}
	return s.repo.GetQuantity(ctx, articleID, lotID, zoneID)
}

// applyDelta locks the targeted stock line and applies a signed quantity
// change. The row lock is what prevents two concurrent postings from both
// spending the same quantity.
func applyDelta(ctx context.Context, tx TxRepository, articleID int64, lotID *int64, zoneID int64, delta float64, allowNeg bool) error {
	line, err := tx.GetStockLineForUpdate(ctx, articleID, lotID, zoneID)
	if err != nil && !errors.Is(err, ErrStockLineNotFound) {
		return err
	}
	if errors.Is(err, ErrStockLineNotFound) {
		if delta < 0 && !allowNeg {
			return ErrInsufficientStock
		}
		line = StockLine{ArticleID: articleID, LotID: lotID, ZoneID: zoneID}
	}
	newQty := line.Qty + delta
	if math.Abs(newQty) < qtyEpsilon {
		newQty = 0
	}
	if newQty < 0 && !allowNeg {
		return ErrInsufficientStock
	}
	line.Qty = newQty
	return tx.UpsertStockLine(ctx, line)
}

package stock

import (
	"errors"
	"time"
)

// OperationType enumerates supported inventory operations.
type OperationType string

const (
	// OperationTypeDelivery debits stock when a delivery is validated.
	OperationTypeDelivery OperationType = "DELIVERY"
	// OperationTypeReturnDelivery credits stock back after a validated
	// delivery is cancelled with return-to-stock.
	OperationTypeReturnDelivery OperationType = "RETURN_DELIVERY"
	// OperationTypeWasteDelivery records a post-validation write-off. Lines
	// are kept for traceability but apply no stock delta.
	OperationTypeWasteDelivery OperationType = "WASTE_DELIVERY"
	// OperationTypeReception records inbound stock from a supplier.
	OperationTypeReception OperationType = "RECEPTION"
	// OperationTypeAdjustment records a manual correction.
	OperationTypeAdjustment OperationType = "ADJUSTMENT"
	// OperationTypeProduction records produced output and consumed ingredients.
	OperationTypeProduction OperationType = "PRODUCTION"
)

// IsValid checks whether the operation type is known.
func (t OperationType) IsValid() bool {
	switch t {
	case OperationTypeDelivery, OperationTypeReturnDelivery, OperationTypeWasteDelivery,
		OperationTypeReception, OperationTypeAdjustment, OperationTypeProduction:
		return true
	default:
		return false
	}
}

// AppliesDeltas reports whether lines of this operation type mutate stock.
// Waste postings are ledger-only: the quantity was already debited at
// validation and is permanently written off.
func (t OperationType) AppliesDeltas() bool {
	return t != OperationTypeWasteDelivery
}

// Operation models the header of an inventory operation. Operations are
// append-only; corrections are new operations linked via ParentOperationID.
type Operation struct {
	ID                int64
	Code              string
	Type              OperationType
	ParentOperationID *int64
	RefModule         string
	RefID             string
	Note              string
	PostedAt          time.Time
	CreatedBy         int64
	CreatedAt         time.Time
	Lines             []OperationLine
}

// OperationLine models one stock movement within an operation. Qty is signed:
// negative debits the (article, lot, zone) stock line, positive credits it.
type OperationLine struct {
	ID          int64
	OperationID int64
	ArticleID   int64
	LotID       *int64
	ZoneID      int64
	Qty         float64
	UnitCost    float64
}

// StockLine is the on-hand quantity for one (article, lot, zone) bucket.
// A nil lot is a bucket of its own, distinct from every concrete lot.
type StockLine struct {
	ID        int64
	ArticleID int64
	LotID     *int64
	ZoneID    int64
	Qty       float64
	UpdatedAt time.Time
}

// OperationLineInput describes one movement line in a posting request.
type OperationLineInput struct {
	ArticleID int64
	LotID     *int64
	ZoneID    int64
	Qty       float64
	UnitCost  float64
}

// PostOperationInput describes a full operation posting request.
type PostOperationInput struct {
	Code              string
	Type              OperationType
	ParentOperationID *int64
	RefModule         string
	RefID             string
	Note              string
	ActorID           int64
	Lines             []OperationLineInput
}

// ReceptionInput describes inbound stock posting.
type ReceptionInput struct {
	Code      string
	ArticleID int64
	LotID     *int64
	ZoneID    int64
	Qty       float64
	UnitCost  float64
	Note      string
	ActorID   int64
}

// AdjustmentInput describes a manual stock correction, positive or negative.
type AdjustmentInput struct {
	Code      string
	ArticleID int64
	LotID     *int64
	ZoneID    int64
	Qty       float64
	UnitCost  float64
	Note      string
	ActorID   int64
}

// ProductionInput describes a production posting: one produced output line
// plus the consumed ingredient lines.
type ProductionInput struct {
	Code        string
	ArticleID   int64
	LotID       *int64
	ZoneID      int64
	Qty         float64
	UnitCost    float64
	Ingredients []OperationLineInput
	Note        string
	ActorID     int64
}

// qtyEpsilon absorbs decimal rounding on quantity arithmetic.
const qtyEpsilon = 0.0001

// ErrInsufficientStock triggered when a debit would drive a stock line negative.
var ErrInsufficientStock = errors.New("stock: insufficient available stock")

// ErrInvalidQuantity indicates an invalid line quantity.
var ErrInvalidQuantity = errors.New("stock: quantity must be non zero")

// ErrInvalidUnitCost indicates an invalid cost value.
var ErrInvalidUnitCost = errors.New("stock: unit cost must be >= 0")

// ErrInvalidOperationType indicates an unknown operation type.
var ErrInvalidOperationType = errors.New("stock: invalid operation type")

// ErrOperationNotFound indicates a missing operation.
var ErrOperationNotFound = errors.New("stock: operation not found")

// ErrStockLineNotFound indicates a missing stock line bucket.
var ErrStockLineNotFound = errors.New("stock: stock line not found")

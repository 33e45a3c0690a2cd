package delivery

import (
	"errors"
	"time"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
)

// Status represents the delivery lifecycle state.
type Status string

const (
	// StatusDraft is the initial state before reservations are placed.
	StatusDraft Status = "DRAFT"
	// StatusReserved has live stock reservations, nothing shipped.
	StatusReserved Status = "RESERVED"
	// StatusValidated shipped: stock was debited and reservations closed.
	StatusValidated Status = "VALIDATED"
	// StatusCancelledBefore is terminal: cancelled while still reserved.
	StatusCancelledBefore Status = "CANCELLED_BEFORE"
	// StatusCancelledReturned is terminal: cancelled after validation, stock credited back.
	StatusCancelledReturned Status = "CANCELLED_AFTER_RETURNED"
	// StatusCancelledWasted is terminal: cancelled after validation, stock written off.
	StatusCancelledWasted Status = "CANCELLED_AFTER_WASTED"
)

// IsValid checks whether the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusReserved, StatusValidated,
		StatusCancelledBefore, StatusCancelledReturned, StatusCancelledWasted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the delivery reached a final state. Terminal
// deliveries are never hard-deleted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelledBefore, StatusCancelledReturned, StatusCancelledWasted:
		return true
	default:
		return false
	}
}

// CanReserve reports whether reservations may be placed.
func (s Status) CanReserve() bool { return s == StatusDraft }

// CanValidate reports whether the delivery may ship.
func (s Status) CanValidate() bool { return s == StatusReserved }

// CanCancelBefore reports whether a pre-validation cancel is legal.
func (s Status) CanCancelBefore() bool { return s == StatusReserved }

// CanCancelAfter reports whether a post-validation cancel is legal.
func (s Status) CanCancelAfter() bool { return s == StatusValidated }

// Delivery is one fulfillment attempt for an order.
type Delivery struct {
	ID           int64
	OrderID      int64
	Status       Status
	IsValidated  bool
	ValidatedAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []Line
}

// Line is one requested article quantity on a delivery.
type Line struct {
	ID          int64
	DeliveryID  int64
	OrderLineID int64
	ArticleID   int64
	Qty         float64
	CreatedAt   time.Time
}

// CreateLineInput describes one line of a new delivery. Splits are optional;
// when absent the planner allocates FEFO.
type CreateLineInput struct {
	OrderLineID int64
	ArticleID   int64
	Qty         float64
	Splits      []allocation.Split
}

// CreateInput describes a new delivery for an order.
type CreateInput struct {
	OrderID int64
	Lines   []CreateLineInput
}

// ListFilter narrows delivery listings.
type ListFilter struct {
	Status  Status
	OrderID int64
	Page    int
	PerPage int
}

// qtyEpsilon absorbs decimal rounding on quantity comparisons.
const qtyEpsilon = 0.001

// ErrDeliveryNotFound indicates a missing delivery.
var ErrDeliveryNotFound = errors.New("delivery: not found")

// ErrInvalidTransition indicates an operation applied in a state that does
// not permit it.
var ErrInvalidTransition = errors.New("delivery: state does not permit this transition")

// ErrEmptyDelivery indicates a create request without lines.
var ErrEmptyDelivery = errors.New("delivery: at least one line required")

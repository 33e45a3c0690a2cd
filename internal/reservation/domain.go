package reservation

import (
	"errors"
	"math"
	"time"
)

// Status represents the lifecycle of a stock reservation.
type Status string

const (
	// StatusReserved is a live claim on stock, nothing delivered yet.
	StatusReserved Status = "RESERVED"
	// StatusPartiallyDelivered has some quantity delivered, remainder live.
	StatusPartiallyDelivered Status = "PARTIALLY_DELIVERED"
	// StatusDelivered is terminal: the full reserved quantity shipped.
	StatusDelivered Status = "DELIVERED"
	// StatusCancelled is terminal: the claim was released.
	StatusCancelled Status = "CANCELLED"
)

// IsValid checks whether the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusReserved, StatusPartiallyDelivered, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the reservation is closed. Terminal rows are
// immutable; they are retained for audit, never deleted.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsActive reports whether the reservation still holds availability.
func (s Status) IsActive() bool {
	return s == StatusReserved || s == StatusPartiallyDelivered
}

// Reservation is stock provisionally committed to one delivery line, scoped
// to a single (lot, zone) bucket so availability math and the validation
// debit line up exactly.
type Reservation struct {
	ID             int64
	DeliveryID     int64
	DeliveryLineID int64
	OrderLineID    int64
	ArticleID      int64
	LotID          *int64
	ZoneID         int64
	QtyReserved    float64
	QtyDelivered   float64
	Status         Status
	OperationID    *int64
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is the undelivered quantity still counted against availability.
func (r Reservation) Remaining() float64 {
	if !r.Status.IsActive() {
		return 0
	}
	return r.QtyReserved - r.QtyDelivered
}

// LineInput describes one requested reservation line. Splits are optional;
// when absent the service plans them FEFO.
type LineInput struct {
	DeliveryLineID int64
	OrderLineID    int64
	ArticleID      int64
	Qty            float64
}

// qtyEpsilon absorbs decimal rounding on quantity comparisons.
const qtyEpsilon = 0.001

// ErrOverDelivery indicates a delivered quantity exceeding the reserved one.
var ErrOverDelivery = errors.New("reservation: delivered quantity exceeds reserved quantity")

// ErrReservationNotFound indicates a missing reservation.
var ErrReservationNotFound = errors.New("reservation: not found")

// ErrReservationClosed indicates a mutation attempt on a terminal reservation.
var ErrReservationClosed = errors.New("reservation: closed reservations are immutable")

// ErrDeliveryNotFound indicates the referenced delivery does not exist.
var ErrDeliveryNotFound = errors.New("reservation: delivery not found")

// ApplyDelivery increases the delivered quantity and resolves the status
// transition. It is the single authority for the deliveredQty <= reservedQty
// invariant; both the reservation service and the delivery validation path
// go through it.
func ApplyDelivery(r Reservation, qty float64) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, errors.New("reservation: delivered quantity must be positive")
	}
	if r.Status.IsTerminal() {
		return Reservation{}, ErrReservationClosed
	}
	newDelivered := r.QtyDelivered + qty
	if newDelivered > r.QtyReserved+qtyEpsilon {
		return Reservation{}, ErrOverDelivery
	}
	r.QtyDelivered = newDelivered
	if math.Abs(newDelivered-r.QtyReserved) <= qtyEpsilon {
		r.QtyDelivered = r.QtyReserved
		r.Status = StatusDelivered
	} else {
		r.Status = StatusPartiallyDelivered
	}
	return r, nil
}

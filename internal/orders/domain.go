package orders

import "errors"

// OrderLine is the read model the fulfillment core consumes. Orders are owned
// elsewhere; this package never mutates them.
type OrderLine struct {
	ID         int64
	OrderID    int64
	ArticleID  int64
	QtyOrdered float64
}

// ProductionStatus summarises how far an order is from fully shipped.
type ProductionStatus string

const (
	// StatusDelivered means every line shipped in full.
	StatusDelivered ProductionStatus = "DELIVERED"
	// StatusReady means the remainder of every line is coverable from stock.
	StatusReady ProductionStatus = "READY"
	// StatusPartial means some but not all remainders are coverable.
	StatusPartial ProductionStatus = "PARTIAL"
	// StatusAwaitingStock means no remainder is coverable.
	StatusAwaitingStock ProductionStatus = "AWAITING_STOCK"
)

// OrderStatus is the per-order result of a production status batch.
type OrderStatus struct {
	OrderID      int64            `json:"order_id"`
	Status       ProductionStatus `json:"status"`
	QtyOrdered   float64          `json:"qty_ordered"`
	QtyDelivered float64          `json:"qty_delivered"`
}

// qtyEpsilon absorbs decimal rounding on quantity comparisons.
const qtyEpsilon = 0.001

// ErrOrderLineNotFound indicates a missing order line.
var ErrOrderLineNotFound = errors.New("orders: order line not found")

// ErrOrderNotFound indicates a missing order.
var ErrOrderNotFound = errors.New("orders: order not found")

package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads order data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrderLine loads one order line.
func (r *Repository) GetOrderLine(ctx context.Context, id int64) (OrderLine, error) {
	var line OrderLine
	err := r.pool.QueryRow(ctx, `SELECT id, order_id, article_id, qty_ordered
FROM order_lines WHERE id = $1`, id).Scan(&line.ID, &line.OrderID, &line.ArticleID, &line.QtyOrdered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderLine{}, ErrOrderLineNotFound
		}
		return OrderLine{}, err
	}
	return line, nil
}

// ListOrderLines returns every line of an order.
func (r *Repository) ListOrderLines(ctx context.Context, orderID int64) ([]OrderLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, article_id, qty_ordered
FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrderLine
	for rows.Next() {
		var line OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ArticleID, &line.QtyOrdered); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// DeliveredByOrderLine sums shipped quantities per order line, counting only
// validated deliveries.
func (r *Repository) DeliveredByOrderLine(ctx context.Context, orderID int64) (map[int64]float64, error) {
	rows, err := r.pool.Query(ctx, `SELECT dl.order_line_id, COALESCE(SUM(dl.qty), 0)
FROM delivery_lines dl
JOIN deliveries d ON d.id = dl.delivery_id
WHERE d.status = 'VALIDATED' AND dl.order_line_id IN (SELECT id FROM order_lines WHERE order_id = $1)
GROUP BY dl.order_line_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	delivered := make(map[int64]float64)
	for rows.Next() {
		var lineID int64
		var qty float64
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		delivered[lineID] = qty
	}
	return delivered, rows.Err()
}

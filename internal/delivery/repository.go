package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fournil-erp/fournil-erp/internal/reservation"
	"github.com/fournil-erp/fournil-erp/internal/shared"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// Repository persists deliveries in PostgreSQL. Lifecycle transitions touch
// deliveries, reservations, stock lines and the operation ledger in one
// transaction, so the tx wrapper carries SQL for all four.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertDelivery(ctx context.Context, d Delivery) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	GetDeliveryForUpdate(ctx context.Context, id int64) (Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, id int64, status Status) error
	UpdateDeliveryValidated(ctx context.Context, id int64, at time.Time) error
	UpdateDeliveryCancelled(ctx context.Context, id int64, status Status, reason string) error

	InsertReservation(ctx context.Context, res reservation.Reservation) (int64, error)
	ListReservationsForUpdate(ctx context.Context, deliveryID int64) ([]reservation.Reservation, error)
	CancelActiveReservations(ctx context.Context, deliveryID int64) ([]int64, error)
	UpdateReservationDelivered(ctx context.Context, id int64, qtyDelivered float64, status reservation.Status, operationID int64) error
	SumActiveReserved(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error)

	GetStockLineForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (stock.StockLine, error)
	UpsertStockLine(ctx context.Context, line stock.StockLine) error
	InsertOperation(ctx context.Context, op stock.Operation) (int64, error)
	InsertOperationLines(ctx context.Context, opID int64, lines []stock.OperationLine) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a read-committed transaction. Create inserts
// reservations next to the stock lines it locks without updating them, so the
// availability re-check after the FOR UPDATE must run on a fresh snapshot
// that includes claims committed while the lock was awaited. Validate and the
// cancel paths lock every row they touch, so the weaker level is safe for
// them too.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const deliveryColumns = `id, order_id, status, is_validated, validated_at, COALESCE(cancel_reason, ''), created_at, updated_at`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.OrderID, &d.Status, &d.IsValidated, &d.ValidatedAt, &d.CancelReason, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// GetDelivery loads a delivery with its lines.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	d, err := scanDelivery(r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, ErrDeliveryNotFound
		}
		return Delivery{}, err
	}
	lines, err := r.listLines(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	d.Lines = lines
	return d, nil
}

func (r *Repository) listLines(ctx context.Context, deliveryID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, delivery_id, order_line_id, article_id, qty, created_at
FROM delivery_lines WHERE delivery_id = $1 ORDER BY id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.DeliveryID, &line.OrderLineID, &line.ArticleID, &line.Qty, &line.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ListDeliveries returns a page of deliveries, newest first. Lines are not
// loaded for listings.
func (r *Repository) ListDeliveries(ctx context.Context, filter ListFilter) ([]Delivery, shared.Pagination, error) {
	where := "WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.OrderID > 0 {
		args = append(args, filter.OrderID)
		where += fmt.Sprintf(" AND order_id = $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deliveries `+where, args...).Scan(&total); err != nil {
		return nil, shared.Pagination{}, err
	}

	pagination := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, pagination.PerPage, pagination.Offset())
	query := fmt.Sprintf(`SELECT `+deliveryColumns+` FROM deliveries %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, shared.Pagination{}, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Pagination{}, err
	}
	return out, pagination, nil
}

func (t *txRepo) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO deliveries (order_id, status) VALUES ($1, $2) RETURNING id`,
		d.OrderID, string(d.Status)).Scan(&id)
	return id, err
}

func (t *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO delivery_lines (delivery_id, order_line_id, article_id, qty)
VALUES ($1, NULLIF($2, 0), $3, $4) RETURNING id`,
		line.DeliveryID, line.OrderLineID, line.ArticleID, line.Qty).Scan(&id)
	return id, err
}

func (t *txRepo) GetDeliveryForUpdate(ctx context.Context, id int64) (Delivery, error) {
	d, err := scanDelivery(t.tx.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, ErrDeliveryNotFound
		}
		return Delivery{}, err
	}
	return d, nil
}

func (t *txRepo) UpdateDeliveryStatus(ctx context.Context, id int64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE deliveries SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	return err
}

func (t *txRepo) UpdateDeliveryValidated(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE deliveries
SET status = $1, is_validated = TRUE, validated_at = $2, updated_at = NOW() WHERE id = $3`,
		string(StatusValidated), at, id)
	return err
}

func (t *txRepo) UpdateDeliveryCancelled(ctx context.Context, id int64, status Status, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE deliveries
SET status = $1, cancel_reason = $2, updated_at = NOW() WHERE id = $3`,
		string(status), reason, id)
	return err
}

func (t *txRepo) InsertReservation(ctx context.Context, res reservation.Reservation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_reservations
(delivery_id, delivery_line_id, order_line_id, article_id, lot_id, zone_id, qty_reserved, qty_delivered, status, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9) RETURNING id`,
		res.DeliveryID, res.DeliveryLineID, res.OrderLineID, res.ArticleID, res.LotID, res.ZoneID,
		res.QtyReserved, string(res.Status), res.ExpiresAt).Scan(&id)
	return id, err
}

func (t *txRepo) ListReservationsForUpdate(ctx context.Context, deliveryID int64) ([]reservation.Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, delivery_id, delivery_line_id, order_line_id, article_id, lot_id, zone_id,
qty_reserved, qty_delivered, status, operation_id, expires_at, created_at, updated_at
FROM stock_reservations WHERE delivery_id = $1 ORDER BY id FOR UPDATE`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reservation.Reservation
	for rows.Next() {
		var res reservation.Reservation
		if err := rows.Scan(&res.ID, &res.DeliveryID, &res.DeliveryLineID, &res.OrderLineID, &res.ArticleID,
			&res.LotID, &res.ZoneID, &res.QtyReserved, &res.QtyDelivered, &res.Status, &res.OperationID,
			&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (t *txRepo) CancelActiveReservations(ctx context.Context, deliveryID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `UPDATE stock_reservations
SET status = 'CANCELLED', updated_at = NOW()
WHERE delivery_id = $1 AND status IN ('RESERVED', 'PARTIALLY_DELIVERED')
RETURNING article_id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[int64]struct{})
	var articleIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			articleIDs = append(articleIDs, id)
		}
	}
	return articleIDs, rows.Err()
}

func (t *txRepo) UpdateReservationDelivered(ctx context.Context, id int64, qtyDelivered float64, status reservation.Status, operationID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_reservations
SET qty_delivered = $1, status = $2, operation_id = $3, updated_at = NOW() WHERE id = $4`,
		qtyDelivered, string(status), operationID, id)
	return err
}

func (t *txRepo) SumActiveReserved(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	var reserved float64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_reserved - qty_delivered), 0) FROM stock_reservations
WHERE article_id = $1 AND lot_id IS NOT DISTINCT FROM $2 AND zone_id = $3
  AND status IN ('RESERVED', 'PARTIALLY_DELIVERED')`, articleID, lotID, zoneID).Scan(&reserved)
	return reserved, err
}

func (t *txRepo) GetStockLineForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (stock.StockLine, error) {
	var line stock.StockLine
	err := t.tx.QueryRow(ctx, `SELECT id, article_id, lot_id, zone_id, qty, updated_at FROM stock_lines
WHERE article_id = $1 AND lot_id IS NOT DISTINCT FROM $2 AND zone_id = $3 FOR UPDATE`, articleID, lotID, zoneID).Scan(
		&line.ID, &line.ArticleID, &line.LotID, &line.ZoneID, &line.Qty, &line.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.StockLine{}, stock.ErrStockLineNotFound
		}
		return stock.StockLine{}, err
	}
	return line, nil
}

func (t *txRepo) UpsertStockLine(ctx context.Context, line stock.StockLine) error {
	if line.ID == 0 {
		return t.tx.QueryRow(ctx, `INSERT INTO stock_lines (article_id, lot_id, zone_id, qty, updated_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, line.ArticleID, line.LotID, line.ZoneID, line.Qty, time.Now().UTC()).Scan(&line.ID)
	}
	_, err := t.tx.Exec(ctx, `UPDATE stock_lines SET qty = $1, updated_at = $2 WHERE id = $3`,
		line.Qty, time.Now().UTC(), line.ID)
	return err
}

func (t *txRepo) InsertOperation(ctx context.Context, op stock.Operation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO inventory_operations (code, op_type, parent_operation_id, ref_module, ref_id, note, posted_at, created_by)
VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7, $8) RETURNING id`,
		op.Code, string(op.Type), op.ParentOperationID, op.RefModule, op.RefID, op.Note, op.PostedAt, op.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) InsertOperationLines(ctx context.Context, opID int64, lines []stock.OperationLine) error {
	for _, line := range lines {
		_, err := t.tx.Exec(ctx, `INSERT INTO inventory_operation_lines (operation_id, article_id, lot_id, zone_id, qty, unit_cost)
VALUES ($1, $2, $3, $4, $5, $6)`, opID, line.ArticleID, line.LotID, line.ZoneID, line.Qty, line.UnitCost)
		if err != nil {
			return err
		}
	}
	return nil
}

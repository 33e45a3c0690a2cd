package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// Repository persists reservations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetDeliveryStatus(ctx context.Context, deliveryID int64) (string, error)
	GetBucketOnHandForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error)
	SumActiveReserved(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error)
	InsertReservation(ctx context.Context, res Reservation) (int64, error)
	CancelActiveByDelivery(ctx context.Context, deliveryID int64) ([]int64, error)
	GetForUpdate(ctx context.Context, id int64) (Reservation, error)
	UpdateDelivered(ctx context.Context, id int64, qtyDelivered float64, status Status) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	ListExpiredForUpdate(ctx context.Context, now time.Time) ([]Reservation, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a read-committed transaction. Reservation
// creation never updates the stock line it locks, so a repeatable-read
// snapshot taken before a competing claim commits would hide that claim from
// SumActiveReserved after the FOR UPDATE unblocks. Read committed gives each
// post-lock statement a fresh snapshot that includes it.
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

const reservationColumns = `id, delivery_id, delivery_line_id, order_line_id, article_id, lot_id, zone_id,
qty_reserved, qty_delivered, status, operation_id, expires_at, created_at, updated_at`

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	err := row.Scan(&res.ID, &res.DeliveryID, &res.DeliveryLineID, &res.OrderLineID, &res.ArticleID,
		&res.LotID, &res.ZoneID, &res.QtyReserved, &res.QtyDelivered, &res.Status, &res.OperationID,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	return res, err
}

// ListByDelivery returns all reservations of a delivery ordered by id.
func (r *Repository) ListByDelivery(ctx context.Context, deliveryID int64) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE delivery_id = $1 ORDER BY id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// GetReservation loads one reservation by id.
func (r *Repository) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func (t *txRepo) GetDeliveryStatus(ctx context.Context, deliveryID int64) (string, error) {
	var status string
	err := t.tx.QueryRow(ctx, `SELECT status FROM deliveries WHERE id = $1`, deliveryID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrDeliveryNotFound
		}
		return "", err
	}
	return status, nil
}

func (t *txRepo) GetBucketOnHandForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	var qty float64
	err := t.tx.QueryRow(ctx, `SELECT qty FROM stock_lines
WHERE article_id = $1 AND lot_id IS NOT DISTINCT FROM $2 AND zone_id = $3 FOR UPDATE`,
		articleID, lotID, zoneID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, stock.ErrStockLineNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (t *txRepo) SumActiveReserved(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	var reserved float64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_reserved - qty_delivered), 0) FROM stock_reservations
WHERE article_id = $1 AND lot_id IS NOT DISTINCT FROM $2 AND zone_id = $3
  AND status IN ('RESERVED', 'PARTIALLY_DELIVERED')`, articleID, lotID, zoneID).Scan(&reserved)
	return reserved, err
}

func (t *txRepo) InsertReservation(ctx context.Context, res Reservation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_reservations
(delivery_id, delivery_line_id, order_line_id, article_id, lot_id, zone_id, qty_reserved, qty_delivered, status, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9) RETURNING id`,
		res.DeliveryID, res.DeliveryLineID, res.OrderLineID, res.ArticleID, res.LotID, res.ZoneID,
		res.QtyReserved, string(res.Status), res.ExpiresAt).Scan(&id)
	return id, err
}

func (t *txRepo) CancelActiveByDelivery(ctx context.Context, deliveryID int64) ([]int64, error) {
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

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Reservation, error) {
	res, err := scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func (t *txRepo) UpdateDelivered(ctx context.Context, id int64, qtyDelivered float64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_reservations
SET qty_delivered = $1, status = $2, updated_at = NOW() WHERE id = $3`, qtyDelivered, string(status), id)
	return err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_reservations
SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	return err
}

func (t *txRepo) ListExpiredForUpdate(ctx context.Context, now time.Time) ([]Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations
WHERE status = 'RESERVED' AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY id FOR UPDATE`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

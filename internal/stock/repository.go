package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetStockLineForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (StockLine, error)
	UpsertStockLine(ctx context.Context, line StockLine) error
	InsertOperation(ctx context.Context, op Operation) (int64, error)
	InsertOperationLines(ctx context.Context, opID int64, lines []OperationLine) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
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

// GetOperation loads an operation header with its lines.
func (r *Repository) GetOperation(ctx context.Context, id int64) (Operation, error) {
	var op Operation
	err := r.pool.QueryRow(ctx, `SELECT id, code, op_type, parent_operation_id, ref_module, COALESCE(ref_id::text, ''), note, posted_at, created_by, created_at
FROM inventory_operations WHERE id = $1`, id).Scan(
		&op.ID, &op.Code, &op.Type, &op.ParentOperationID, &op.RefModule, &op.RefID, &op.Note, &op.PostedAt, &op.CreatedBy, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operation{}, ErrOperationNotFound
		}
		return Operation{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, operation_id, article_id, lot_id, zone_id, qty, unit_cost
FROM inventory_operation_lines WHERE operation_id = $1 ORDER BY id`, id)
	if err != nil {
		return Operation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line OperationLine
		if err := rows.Scan(&line.ID, &line.OperationID, &line.ArticleID, &line.LotID, &line.ZoneID, &line.Qty, &line.UnitCost); err != nil {
			return Operation{}, err
		}
		op.Lines = append(op.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ListStockLines returns every bucket holding the article, empty ones included.
func (r *Repository) ListStockLines(ctx context.Context, articleID int64) ([]StockLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, article_id, lot_id, zone_id, qty, updated_at
FROM stock_lines WHERE article_id = $1 ORDER BY zone_id, lot_id NULLS LAST`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []StockLine
	for rows.Next() {
		var line StockLine
		if err := rows.Scan(&line.ID, &line.ArticleID, &line.LotID, &line.ZoneID, &line.Qty, &line.UpdatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// GetQuantity reads the on-hand quantity of one bucket. Missing buckets read
// as zero.
func (r *Repository) GetQuantity(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT qty FROM stock_lines
WHERE article_id = $1 AND lot_id IS NOT DISTINCT FROM $2 AND zone_id = $3`, articleID, lotID, zoneID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func (t *txRepo) GetStockLineForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (StockLine, error) {
	var line StockLine
	err := t.tx.QueryRow(ctx, `SELECT id, article_id, lot_id, zone_id, qty, updated_at FROM stock_lines
WHERE article_id = $1 AND lot_id IS NOT DISTINCT FROM $2 AND zone_id = $3 FOR UPDATE`, articleID, lotID, zoneID).Scan(
		&line.ID, &line.ArticleID, &line.LotID, &line.ZoneID, &line.Qty, &line.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLine{}, ErrStockLineNotFound
		}
		return StockLine{}, err
	}
	return line, nil
}

func (t *txRepo) UpsertStockLine(ctx context.Context, line StockLine) error {
	if line.ID == 0 {
		return t.tx.QueryRow(ctx, `INSERT INTO stock_lines (article_id, lot_id, zone_id, qty, updated_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, line.ArticleID, line.LotID, line.ZoneID, line.Qty, time.Now().UTC()).Scan(&line.ID)
	}
	_, err := t.tx.Exec(ctx, `UPDATE stock_lines SET qty = $1, updated_at = $2 WHERE id = $3`,
		line.Qty, time.Now().UTC(), line.ID)
	return err
}

func (t *txRepo) InsertOperation(ctx context.Context, op Operation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO inventory_operations (code, op_type, parent_operation_id, ref_module, ref_id, note, posted_at, created_by)
VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7, $8) RETURNING id`,
		op.Code, string(op.Type), op.ParentOperationID, op.RefModule, op.RefID, op.Note, op.PostedAt, op.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) InsertOperationLines(ctx context.Context, opID int64, lines []OperationLine) error {
	for _, line := range lines {
		_, err := t.tx.Exec(ctx, `INSERT INTO inventory_operation_lines (operation_id, article_id, lot_id, zone_id, qty, unit_cost)
VALUES ($1, $2, $3, $4, $5, $6)`, opID, line.ArticleID, line.LotID, line.ZoneID, line.Qty, line.UnitCost)
		if err != nil {
			return err
		}
	}
	return nil
}

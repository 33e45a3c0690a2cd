package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetArticle loads one article by id.
func (r *Repository) GetArticle(ctx context.Context, id int64) (Article, error) {
	var a Article
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, unit, is_perishable, is_stock_managed, created_at
FROM articles WHERE id = $1`, id).Scan(&a.ID, &a.Code, &a.Name, &a.Unit, &a.IsPerishable, &a.IsStockManaged, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Article{}, ErrArticleNotFound
		}
		return Article{}, err
	}
	return a, nil
}

package availability

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads availability data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListBuckets returns on-hand and reserved quantities per (lot, zone) bucket.
// Reserved covers RESERVED rows plus the undelivered remainder of
// PARTIALLY_DELIVERED ones.
func (r *Repository) ListBuckets(ctx context.Context, articleID int64) ([]Bucket, error) {
	rows, err := r.pool.Query(ctx, `
SELECT sl.lot_id,
       COALESCE(l.code, ''),
       l.expires_at,
       sl.zone_id,
       z.code,
       sl.qty,
       COALESCE(res.reserved, 0)
FROM stock_lines sl
JOIN zones z ON z.id = sl.zone_id
LEFT JOIN lots l ON l.id = sl.lot_id
LEFT JOIN (
    SELECT article_id, lot_id, zone_id, SUM(qty_reserved - qty_delivered) AS reserved
    FROM stock_reservations
    WHERE status IN ('RESERVED', 'PARTIALLY_DELIVERED')
    GROUP BY article_id, lot_id, zone_id
) res ON res.article_id = sl.article_id
     AND res.lot_id IS NOT DISTINCT FROM sl.lot_id
     AND res.zone_id = sl.zone_id
WHERE sl.article_id = $1
ORDER BY l.expires_at ASC NULLS LAST, sl.lot_id ASC NULLS LAST, sl.zone_id ASC`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.LotID, &b.LotCode, &b.ExpiresAt, &b.ZoneID, &b.ZoneCode, &b.OnHand, &b.Reserved); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buckets, nil
}

// GetRecipe loads the ingredient list of an article's recipe.
func (r *Repository) GetRecipe(ctx context.Context, articleID int64) (Recipe, error) {
	rows, err := r.pool.Query(ctx, `
SELECT ri.article_id, ri.qty_per_unit
FROM recipes rc
JOIN recipe_ingredients ri ON ri.recipe_id = rc.id
WHERE rc.article_id = $1
ORDER BY ri.article_id`, articleID)
	if err != nil {
		return Recipe{}, err
	}
	defer rows.Close()
	recipe := Recipe{ArticleID: articleID}
	for rows.Next() {
		var ing RecipeIngredient
		if err := rows.Scan(&ing.ArticleID, &ing.QtyPerUnit); err != nil {
			return Recipe{}, err
		}
		recipe.Ingredients = append(recipe.Ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return Recipe{}, err
	}
	if len(recipe.Ingredients) == 0 {
		return Recipe{}, ErrRecipeNotFound
	}
	return recipe, nil
}

package availability

import (
	"errors"
	"time"
)

// Bucket is the availability of one (lot, zone) stock bucket. Reserved
// aggregates the undelivered remainder of active reservations; Available is
// what is free to promise.
type Bucket struct {
	LotID     *int64     `json:"lot_id,omitempty"`
	LotCode   string     `json:"lot_code,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ZoneID    int64      `json:"zone_id"`
	ZoneCode  string     `json:"zone_code"`
	OnHand    float64    `json:"on_hand"`
	Reserved  float64    `json:"reserved"`
	Available float64    `json:"available"`
}

// Summary aggregates buckets and tells the caller which split decisions a
// delivery for this article requires.
type Summary struct {
	TotalStock            float64 `json:"total_stock"`
	TotalReserved         float64 `json:"total_reserved"`
	TotalAvailable        float64 `json:"total_available"`
	RequiresLotSelection  bool    `json:"requires_lot_selection"`
	RequiresZoneSelection bool    `json:"requires_zone_selection"`
	CanDirectDelivery     bool    `json:"can_direct_delivery"`
}

// Breakdown is a full availability snapshot for one article.
type Breakdown struct {
	ArticleID int64    `json:"article_id"`
	Buckets   []Bucket `json:"buckets"`
	Summary   Summary  `json:"summary"`
}

// Check is the result of a single-article sufficiency check.
type Check struct {
	HasEnough      bool    `json:"has_enough"`
	AvailableStock float64 `json:"available_stock"`
	Shortfall      float64 `json:"shortfall"`
}

// RecipeIngredient is a per-unit ingredient requirement of a recipe.
type RecipeIngredient struct {
	ArticleID  int64
	QtyPerUnit float64
}

// Recipe lists what producing one unit of an article consumes.
type Recipe struct {
	ArticleID   int64
	Ingredients []RecipeIngredient
}

// IngredientRequirement reports one ingredient of a planned production run.
type IngredientRequirement struct {
	ArticleID int64   `json:"article_id"`
	Required  float64 `json:"required"`
	Available float64 `json:"available"`
	Shortfall float64 `json:"shortfall"`
}

// IngredientCheck is the result of a recipe-level batch availability check.
type IngredientCheck struct {
	RecipeArticleID int64                   `json:"recipe_article_id"`
	PlannedQty      float64                 `json:"planned_qty"`
	CanProduce      bool                    `json:"can_produce"`
	Ingredients     []IngredientRequirement `json:"ingredients"`
	Missing         []IngredientRequirement `json:"missing"`
}

// qtyEpsilon absorbs decimal rounding on quantity comparisons.
const qtyEpsilon = 0.001

// ErrRecipeNotFound indicates the article has no recipe.
var ErrRecipeNotFound = errors.New("availability: recipe not found")

// ErrInvalidQuantity indicates a non-positive requested quantity.
var ErrInvalidQuantity = errors.New("availability: quantity must be positive")

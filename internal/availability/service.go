package availability

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/fournil-erp/fournil-erp/internal/catalog"
)

// RepositoryPort abstracts availability reads.
type RepositoryPort interface {
	ListBuckets(ctx context.Context, articleID int64) ([]Bucket, error)
	GetRecipe(ctx context.Context, articleID int64) (Recipe, error)
}

// CatalogPort resolves article master data.
type CatalogPort interface {
	GetArticle(ctx context.Context, id int64) (catalog.Article, error)
}

// Service computes free-to-promise stock per article. It is the single place
// that knows how reserved quantities reduce on-hand stock; reservation and
// recipe checks both go through it.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	cache   *Cache
	group   singleflight.Group
}

// NewService builds Service. Cache may be nil.
func NewService(repo RepositoryPort, cat CatalogPort, cache *Cache) *Service {
	return &Service{repo: repo, catalog: cat, cache: cache}
}

// GetAvailability returns the per-bucket breakdown and summary for an article.
// Results may be served from cache and can be stale; any caller about to
// commit a reservation must re-validate inside its transaction.
func (s *Service) GetAvailability(ctx context.Context, articleID int64) (Breakdown, error) {
	if articleID <= 0 {
		return Breakdown{}, errors.New("availability: article required")
	}
	if s.cache != nil {
		if bd, ok := s.cache.Get(ctx, articleID); ok {
			return bd, nil
		}
	}
	v, err, _ := s.group.Do(cacheKey(articleID), func() (any, error) {
		bd, err := s.computeBreakdown(ctx, articleID)
		if err != nil {
			return Breakdown{}, err
		}
		if s.cache != nil {
			s.cache.Set(ctx, bd)
		}
		return bd, nil
	})
	if err != nil {
		return Breakdown{}, err
	}
	return v.(Breakdown), nil
}

func (s *Service) computeBreakdown(ctx context.Context, articleID int64) (Breakdown, error) {
	article, err := s.catalog.GetArticle(ctx, articleID)
	if err != nil {
		return Breakdown{}, err
	}
	buckets, err := s.repo.ListBuckets(ctx, articleID)
	if err != nil {
		return Breakdown{}, err
	}

	bd := Breakdown{ArticleID: articleID, Buckets: buckets}
	lots := make(map[int64]struct{})
	zones := make(map[int64]struct{})
	stocked := 0
	for i := range buckets {
		b := &buckets[i]
		b.Available = b.OnHand - b.Reserved
		bd.Summary.TotalStock += b.OnHand
		bd.Summary.TotalReserved += b.Reserved
		bd.Summary.TotalAvailable += b.Available
		if b.OnHand > qtyEpsilon {
			stocked++
			zones[b.ZoneID] = struct{}{}
			if b.LotID != nil {
				lots[*b.LotID] = struct{}{}
			} else {
				lots[0] = struct{}{}
			}
		}
	}
	bd.Summary.RequiresLotSelection = article.IsPerishable && len(lots) > 1
	bd.Summary.RequiresZoneSelection = len(zones) > 1
	bd.Summary.CanDirectDelivery = stocked == 1
	return bd, nil
}

// HasEnoughAvailableStock reports whether the article can cover the required
// quantity from currently unreserved stock.
func (s *Service) HasEnoughAvailableStock(ctx context.Context, articleID int64, required float64) (Check, error) {
	if required <= 0 {
		return Check{}, ErrInvalidQuantity
	}
	bd, err := s.GetAvailability(ctx, articleID)
	if err != nil {
		return Check{}, err
	}
	check := Check{AvailableStock: bd.Summary.TotalAvailable}
	if bd.Summary.TotalAvailable+qtyEpsilon >= required {
		check.HasEnough = true
	} else {
		check.Shortfall = required - bd.Summary.TotalAvailable
	}
	return check, nil
}

// CheckIngredients multiplies the article's recipe by a planned production
// quantity and reports ingredients without enough available stock.
func (s *Service) CheckIngredients(ctx context.Context, recipeArticleID int64, plannedQty float64) (IngredientCheck, error) {
	if plannedQty <= 0 {
		return IngredientCheck{}, ErrInvalidQuantity
	}
	recipe, err := s.repo.GetRecipe(ctx, recipeArticleID)
	if err != nil {
		return IngredientCheck{}, err
	}

	result := IngredientCheck{RecipeArticleID: recipeArticleID, PlannedQty: plannedQty, CanProduce: true}
	for _, ing := range recipe.Ingredients {
		required := ing.QtyPerUnit * plannedQty
		check, err := s.HasEnoughAvailableStock(ctx, ing.ArticleID, required)
		if err != nil {
			return IngredientCheck{}, err
		}
		req := IngredientRequirement{
			ArticleID: ing.ArticleID,
			Required:  required,
			Available: check.AvailableStock,
			Shortfall: check.Shortfall,
		}
		result.Ingredients = append(result.Ingredients, req)
		if !check.HasEnough {
			result.CanProduce = false
			result.Missing = append(result.Missing, req)
		}
	}
	return result, nil
}

// InvalidateArticle drops the cached breakdown for an article. Mutating
// services call it after every committed stock or reservation change.
func (s *Service) InvalidateArticle(ctx context.Context, articleID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, articleID)
}

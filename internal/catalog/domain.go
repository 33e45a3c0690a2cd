package catalog

import (
	"errors"
	"time"
)

// Article is a stockable product or ingredient. The catalog owns articles;
// the fulfillment core reads them and never mutates them.
type Article struct {
	ID             int64
	Code           string
	Name           string
	Unit           string
	IsPerishable   bool
	IsStockManaged bool
	CreatedAt      time.Time
}

// ErrArticleNotFound indicates a missing article.
var ErrArticleNotFound = errors.New("catalog: article not found")

// Package allocation decides how a requested quantity splits across stock
// buckets. Perishable articles follow FEFO: soonest-expiring lots are consumed
// first so stock does not spoil on the shelf.
package allocation

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/fournil-erp/fournil-erp/internal/availability"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

// Epsilon absorbs decimal rounding when summing split quantities.
const Epsilon = 0.001

// Split assigns part of a requested quantity to one (lot, zone) bucket.
type Split struct {
	LotID  *int64  `json:"lot_id,omitempty"`
	ZoneID int64   `json:"zone_id"`
	Qty    float64 `json:"qty"`
}

// ErrInvalidSplit indicates caller-supplied splits that do not sum to the
// requested quantity or exceed a bucket's availability.
var ErrInvalidSplit = errors.New("allocation: invalid split")

// ErrInvalidQuantity indicates a non-positive requested quantity.
var ErrInvalidQuantity = errors.New("allocation: quantity must be positive")

// AvailabilityPort provides the per-bucket breakdown the planner consumes.
type AvailabilityPort interface {
	GetAvailability(ctx context.Context, articleID int64) (availability.Breakdown, error)
}

// Planner produces allocation splits for delivery lines.
type Planner struct {
	availability AvailabilityPort
}

// NewPlanner builds Planner.
func NewPlanner(avail AvailabilityPort) *Planner {
	return &Planner{availability: avail}
}

// Plan resolves splits for a requested quantity. Caller splits, when given,
// are validated and returned unchanged; otherwise buckets are consumed
// greedily in FEFO order for perishables and in stable bucket order
// otherwise. Results reflect availability at read time; the commit path
// re-validates under row locks.
func (p *Planner) Plan(ctx context.Context, article catalog.Article, requested float64, callerSplits []Split) ([]Split, error) {
	if requested <= 0 {
		return nil, ErrInvalidQuantity
	}
	bd, err := p.availability.GetAvailability(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	if len(callerSplits) > 0 {
		if err := validateSplits(callerSplits, requested, bd.Buckets); err != nil {
			return nil, err
		}
		return callerSplits, nil
	}
	return autoAllocate(article, requested, bd.Buckets)
}

func validateSplits(splits []Split, requested float64, buckets []availability.Bucket) error {
	type bucketRef struct {
		lot  int64
		zone int64
	}
	// Splits naming the same bucket count against it together, so a combined
	// overdraw fails here rather than at commit.
	claimed := make(map[bucketRef]float64, len(splits))
	var sum float64
	for _, s := range splits {
		if s.Qty <= 0 || s.ZoneID <= 0 {
			return ErrInvalidSplit
		}
		sum += s.Qty
		bucket, ok := findBucket(buckets, s.LotID, s.ZoneID)
		if !ok {
			return ErrInvalidSplit
		}
		ref := bucketRef{lot: lotKey(s.LotID), zone: s.ZoneID}
		claimed[ref] += s.Qty
		if claimed[ref] > bucket.Available+Epsilon {
			return ErrInvalidSplit
		}
	}
	if math.Abs(sum-requested) > Epsilon {
		return ErrInvalidSplit
	}
	return nil
}

func autoAllocate(article catalog.Article, requested float64, buckets []availability.Bucket) ([]Split, error) {
	ordered := make([]availability.Bucket, len(buckets))
	copy(ordered, buckets)
	sortBuckets(ordered, article.IsPerishable)

	var splits []Split
	remaining := requested
	for _, b := range ordered {
		if remaining <= Epsilon {
			break
		}
		if b.Available <= Epsilon {
			continue
		}
		take := math.Min(remaining, b.Available)
		splits = append(splits, Split{LotID: b.LotID, ZoneID: b.ZoneID, Qty: take})
		remaining -= take
	}
	if remaining > Epsilon {
		return nil, stock.ErrInsufficientStock
	}
	return splits, nil
}

// sortBuckets orders buckets deterministically. FEFO puts soonest expiry
// first with lot-less stock last; ties and the non-perishable case fall back
// to (lot id, zone id) so repeated plans are reproducible.
func sortBuckets(buckets []availability.Bucket, perishable bool) {
	sort.SliceStable(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if perishable {
			switch {
			case a.ExpiresAt == nil && b.ExpiresAt != nil:
				return false
			case a.ExpiresAt != nil && b.ExpiresAt == nil:
				return true
			case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		}
		if lotKey(a.LotID) != lotKey(b.LotID) {
			return lotKey(a.LotID) < lotKey(b.LotID)
		}
		return a.ZoneID < b.ZoneID
	})
}

func lotKey(lotID *int64) int64 {
	if lotID == nil {
		return 0
	}
	return *lotID
}

func findBucket(buckets []availability.Bucket, lotID *int64, zoneID int64) (availability.Bucket, bool) {
	for _, b := range buckets {
		if b.ZoneID == zoneID && lotKey(b.LotID) == lotKey(lotID) {
			return b, true
		}
	}
	return availability.Bucket{}, false
}

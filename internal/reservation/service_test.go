package reservation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/stock"
)

type memoryRepo struct {
	onHand       map[string]float64
	reservations map[int64]Reservation
	deliveries   map[int64]string
	nextID       int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		onHand:       make(map[string]float64),
		reservations: make(map[int64]Reservation),
		deliveries:   make(map[int64]string),
	}
}

func bucketKey(articleID int64, lotID *int64, zoneID int64) string {
	lot := int64(0)
	if lotID != nil {
		lot = *lotID
	}
	return fmt.Sprintf("%d:%d:%d", articleID, lot, zoneID)
}

// WithTx restores the pre-transaction state when the callback fails, so tests
// exercise the all-or-nothing contract.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved := make(map[int64]Reservation, len(r.reservations))
	for k, v := range r.reservations {
		saved[k] = v
	}
	savedID := r.nextID
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.reservations = saved
		r.nextID = savedID
		return err
	}
	return nil
}

func (r *memoryRepo) ListByDelivery(ctx context.Context, deliveryID int64) ([]Reservation, error) {
	var out []Reservation
	for _, res := range r.reservations {
		if res.DeliveryID == deliveryID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetReservation(ctx context.Context, id int64) (Reservation, error) {
	res, ok := r.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (t *memoryTx) GetDeliveryStatus(ctx context.Context, deliveryID int64) (string, error) {
	status, ok := t.repo.deliveries[deliveryID]
	if !ok {
		return "", ErrDeliveryNotFound
	}
	return status, nil
}

func (t *memoryTx) GetBucketOnHandForUpdate(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	qty, ok := t.repo.onHand[bucketKey(articleID, lotID, zoneID)]
	if !ok {
		return 0, stock.ErrStockLineNotFound
	}
	return qty, nil
}

func (t *memoryTx) SumActiveReserved(ctx context.Context, articleID int64, lotID *int64, zoneID int64) (float64, error) {
	key := bucketKey(articleID, lotID, zoneID)
	var sum float64
	for _, res := range t.repo.reservations {
		if bucketKey(res.ArticleID, res.LotID, res.ZoneID) == key && res.Status.IsActive() {
			sum += res.QtyReserved - res.QtyDelivered
		}
	}
	return sum, nil
}

func (t *memoryTx) InsertReservation(ctx context.Context, res Reservation) (int64, error) {
	t.repo.nextID++
	res.ID = t.repo.nextID
	t.repo.reservations[res.ID] = res
	return res.ID, nil
}

func (t *memoryTx) CancelActiveByDelivery(ctx context.Context, deliveryID int64) ([]int64, error) {
	seen := make(map[int64]struct{})
	var articleIDs []int64
	for id, res := range t.repo.reservations {
		if res.DeliveryID != deliveryID || !res.Status.IsActive() {
			continue
		}
		res.Status = StatusCancelled
		t.repo.reservations[id] = res
		if _, ok := seen[res.ArticleID]; !ok {
			seen[res.ArticleID] = struct{}{}
			articleIDs = append(articleIDs, res.ArticleID)
		}
	}
	return articleIDs, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Reservation, error) {
	res, ok := t.repo.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

func (t *memoryTx) UpdateDelivered(ctx context.Context, id int64, qtyDelivered float64, status Status) error {
	res, ok := t.repo.reservations[id]
	if !ok {
		return ErrReservationNotFound
	}
	res.QtyDelivered = qtyDelivered
	res.Status = status
	t.repo.reservations[id] = res
	return nil
}

func (t *memoryTx) UpdateStatus(ctx context.Context, id int64, status Status) error {
	res, ok := t.repo.reservations[id]
	if !ok {
		return ErrReservationNotFound
	}
	res.Status = status
	t.repo.reservations[id] = res
	return nil
}

func (t *memoryTx) ListExpiredForUpdate(ctx context.Context, now time.Time) ([]Reservation, error) {
	var out []Reservation
	for _, res := range t.repo.reservations {
		if res.Status == StatusReserved && res.ExpiresAt != nil && !res.ExpiresAt.After(now) {
			out = append(out, res)
		}
	}
	return out, nil
}

type fakePlanner struct {
	splits map[int64][]allocation.Split
	err    error
}

func (p *fakePlanner) Plan(ctx context.Context, article catalog.Article, requested float64, callerSplits []allocation.Split) ([]allocation.Split, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.splits[article.ID], nil
}

type fakeCatalog struct {
	articles map[int64]catalog.Article
}

func (c *fakeCatalog) GetArticle(ctx context.Context, id int64) (catalog.Article, error) {
	article, ok := c.articles[id]
	if !ok {
		return catalog.Article{}, catalog.ErrArticleNotFound
	}
	return article, nil
}

type fakeInvalidator struct {
	articles []int64
}

func (f *fakeInvalidator) InvalidateArticle(ctx context.Context, articleID int64) error {
	f.articles = append(f.articles, articleID)
	return nil
}

func lotPtr(id int64) *int64 { return &id }

func newTestService(repo *memoryRepo, planner *fakePlanner, cat *fakeCatalog, ttl time.Duration) (*Service, *fakeInvalidator) {
	inv := &fakeInvalidator{}
	return NewService(repo, planner, cat, inv, ttl), inv
}

func stockManaged(id int64) catalog.Article {
	return catalog.Article{ID: id, Code: fmt.Sprintf("ART-%d", id), IsStockManaged: true}
}

func TestCreateReservationsSplitsAcrossBuckets(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	repo.onHand[bucketKey(1, lotPtr(5), 2)] = 6
	repo.onHand[bucketKey(1, lotPtr(6), 2)] = 4

	planner := &fakePlanner{splits: map[int64][]allocation.Split{
		1: {{LotID: lotPtr(5), ZoneID: 2, Qty: 6}, {LotID: lotPtr(6), ZoneID: 2, Qty: 2}},
	}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1)}}
	svc, inv := newTestService(repo, planner, cat, 0)

	created, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 8}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	require.Equal(t, StatusReserved, created[0].Status)
	require.Equal(t, 6.0, created[0].QtyReserved)
	require.Equal(t, 2.0, created[1].QtyReserved)
	require.Nil(t, created[0].ExpiresAt)
	require.Equal(t, []int64{1}, inv.articles)
}

func TestCreateReservationsAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	repo.onHand[bucketKey(1, nil, 2)] = 50
	repo.onHand[bucketKey(2, nil, 2)] = 1

	planner := &fakePlanner{splits: map[int64][]allocation.Split{
		1: {{ZoneID: 2, Qty: 10}},
		2: {{ZoneID: 2, Qty: 5}},
	}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1), 2: stockManaged(2)}}
	svc, _ := newTestService(repo, planner, cat, 0)

	_, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines: []LineInput{
			{DeliveryLineID: 100, ArticleID: 1, Qty: 10},
			{DeliveryLineID: 101, ArticleID: 2, Qty: 5},
		},
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Empty(t, repo.reservations)
}

func TestCreateReservationsRespectsExistingClaims(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	repo.deliveries[11] = "DRAFT"
	repo.onHand[bucketKey(1, nil, 2)] = 10

	planner := &fakePlanner{splits: map[int64][]allocation.Split{
		1: {{ZoneID: 2, Qty: 7}},
	}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1)}}
	svc, _ := newTestService(repo, planner, cat, 0)

	_, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 7}},
	})
	require.NoError(t, err)

	// Second delivery wants 7 too but only 3 remain unreserved.
	_, err = svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 11,
		Lines:      []LineInput{{DeliveryLineID: 200, ArticleID: 1, Qty: 7}},
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
}

func TestCreateReservationsLastUnitsSingleWinner(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	repo.deliveries[11] = "DRAFT"
	repo.onHand[bucketKey(1, nil, 2)] = 10

	planner := &fakePlanner{splits: map[int64][]allocation.Split{
		1: {{ZoneID: 2, Qty: 10}},
	}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1)}}
	svc, _ := newTestService(repo, planner, cat, 0)

	// Two deliveries race for the final 10 units. The in-transaction re-check
	// sums claims already committed against the locked bucket, so exactly one
	// caller wins and the bucket is never oversubscribed.
	_, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 10}},
	})
	require.NoError(t, err)

	_, err = svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 11,
		Lines:      []LineInput{{DeliveryLineID: 200, ArticleID: 1, Qty: 10}},
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	var reserved float64
	for _, res := range repo.reservations {
		if res.Status == StatusReserved {
			reserved += res.QtyReserved
		}
	}
	require.Equal(t, 10.0, reserved)
}

func TestCreateReservationsRejectsNonStockManaged(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	planner := &fakePlanner{}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{
		1: {ID: 1, Code: "SVC-1", IsStockManaged: false},
	}}
	svc, _ := newTestService(repo, planner, cat, 0)

	_, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 1}},
	})
	require.Error(t, err)
	require.Empty(t, repo.reservations)
}

func TestCreateReservationsUnknownDelivery(t *testing.T) {
	repo := newMemoryRepo()
	repo.onHand[bucketKey(1, nil, 2)] = 10
	planner := &fakePlanner{splits: map[int64][]allocation.Split{1: {{ZoneID: 2, Qty: 1}}}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1)}}
	svc, _ := newTestService(repo, planner, cat, 0)

	_, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 999,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrDeliveryNotFound)
}

func TestCreateReservationsSetsExpiry(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	repo.onHand[bucketKey(1, nil, 2)] = 10
	planner := &fakePlanner{splits: map[int64][]allocation.Split{1: {{ZoneID: 2, Qty: 4}}}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1)}}
	svc, _ := newTestService(repo, planner, cat, 30*time.Minute)

	created, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 4}},
	})
	require.NoError(t, err)
	require.NotNil(t, created[0].ExpiresAt)
	require.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), *created[0].ExpiresAt, 5*time.Second)
}

func TestCancelReservationsIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveries[10] = "DRAFT"
	repo.onHand[bucketKey(1, nil, 2)] = 10
	planner := &fakePlanner{splits: map[int64][]allocation.Split{1: {{ZoneID: 2, Qty: 4}}}}
	cat := &fakeCatalog{articles: map[int64]catalog.Article{1: stockManaged(1)}}
	svc, inv := newTestService(repo, planner, cat, 0)

	_, err := svc.CreateReservations(context.Background(), CreateInput{
		DeliveryID: 10,
		Lines:      []LineInput{{DeliveryLineID: 100, ArticleID: 1, Qty: 4}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelReservations(context.Background(), 10))
	rows, err := svc.ListByDelivery(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, rows[0].Status)
	firstInvalidations := len(inv.articles)

	// Second cancel touches nothing.
	require.NoError(t, svc.CancelReservations(context.Background(), 10))
	require.Len(t, inv.articles, firstInvalidations)
}

func TestMarkDeliveredTransitions(t *testing.T) {
	repo := newMemoryRepo()
	repo.reservations[1] = Reservation{ID: 1, DeliveryID: 10, ArticleID: 1, ZoneID: 2, QtyReserved: 10, Status: StatusReserved}
	repo.nextID = 1
	svc, _ := newTestService(repo, &fakePlanner{}, &fakeCatalog{}, 0)

	res, err := svc.MarkDelivered(context.Background(), 1, 4)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyDelivered, res.Status)
	require.Equal(t, 4.0, res.QtyDelivered)

	res, err = svc.MarkDelivered(context.Background(), 1, 6)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, res.Status)
	require.Equal(t, 10.0, res.QtyDelivered)
}

func TestMarkDeliveredRejectsOverDelivery(t *testing.T) {
	repo := newMemoryRepo()
	repo.reservations[1] = Reservation{ID: 1, DeliveryID: 10, ArticleID: 1, ZoneID: 2, QtyReserved: 5, Status: StatusReserved}
	repo.nextID = 1
	svc, _ := newTestService(repo, &fakePlanner{}, &fakeCatalog{}, 0)

	_, err := svc.MarkDelivered(context.Background(), 1, 6)
	require.ErrorIs(t, err, ErrOverDelivery)
	require.Equal(t, 0.0, repo.reservations[1].QtyDelivered)
}

func TestMarkDeliveredRejectsTerminalRows(t *testing.T) {
	repo := newMemoryRepo()
	repo.reservations[1] = Reservation{ID: 1, DeliveryID: 10, ArticleID: 1, ZoneID: 2, QtyReserved: 5, QtyDelivered: 5, Status: StatusDelivered}
	repo.reservations[2] = Reservation{ID: 2, DeliveryID: 10, ArticleID: 1, ZoneID: 2, QtyReserved: 5, Status: StatusCancelled}
	repo.nextID = 2
	svc, _ := newTestService(repo, &fakePlanner{}, &fakeCatalog{}, 0)

	_, err := svc.MarkDelivered(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrReservationClosed)
	_, err = svc.MarkDelivered(context.Background(), 2, 1)
	require.ErrorIs(t, err, ErrReservationClosed)
}

func TestApplyDeliverySnapsWithinEpsilon(t *testing.T) {
	res := Reservation{ID: 1, QtyReserved: 3, QtyDelivered: 0, Status: StatusReserved}
	next, err := ApplyDelivery(res, 2.9995)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, next.Status)
	require.Equal(t, 3.0, next.QtyDelivered)
}

func TestReleaseExpiredSweepsOnlyDueRows(t *testing.T) {
	repo := newMemoryRepo()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	repo.reservations[1] = Reservation{ID: 1, DeliveryID: 10, ArticleID: 1, ZoneID: 2, QtyReserved: 3, Status: StatusReserved, ExpiresAt: &past}
	repo.reservations[2] = Reservation{ID: 2, DeliveryID: 11, ArticleID: 1, ZoneID: 2, QtyReserved: 3, Status: StatusReserved, ExpiresAt: &future}
	repo.reservations[3] = Reservation{ID: 3, DeliveryID: 12, ArticleID: 2, ZoneID: 2, QtyReserved: 3, QtyDelivered: 1, Status: StatusPartiallyDelivered, ExpiresAt: &past}
	repo.nextID = 3
	svc, inv := newTestService(repo, &fakePlanner{}, &fakeCatalog{}, 0)

	released, err := svc.ReleaseExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Equal(t, StatusCancelled, repo.reservations[1].Status)
	require.Equal(t, StatusReserved, repo.reservations[2].Status)
	// Partially delivered rows never expire.
	require.Equal(t, StatusPartiallyDelivered, repo.reservations[3].Status)
	require.Equal(t, []int64{1}, inv.articles)
}

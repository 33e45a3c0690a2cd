package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/fournil-erp/fournil-erp/internal/jobs"
)

// reservationSweepLockKey guards against concurrent sweeps from multiple
// worker replicas.
const reservationSweepLockKey = "lock:reservation:expire-sweep"

// reservationSweepLockTTL bounds how long one sweep may hold the lock.
const reservationSweepLockTTL = time.Minute

// ExpiryReleaser releases expired reservations.
type ExpiryReleaser interface {
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// ReservationSweeper turns the cron tick into a reservation expiry sweep.
type ReservationSweeper struct {
	releaser ExpiryReleaser
	locker   *redislock.Client
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
}

// NewReservationSweeper builds the sweep handler. A nil locker skips the
// distributed lock, which is fine for single-replica setups and tests.
func NewReservationSweeper(releaser ExpiryReleaser, locker *redislock.Client, metrics *jobmetrics.Metrics, logger *slog.Logger) *ReservationSweeper {
	return &ReservationSweeper{releaser: releaser, locker: locker, metrics: metrics, logger: logger}
}

// Handle processes TaskReservationSweep tasks.
func (s *ReservationSweeper) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReservationSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, reservationSweepLockKey, reservationSweepLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.Debug("reservation sweep already running elsewhere")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			_ = lock.Release(ctx)
		}()
	}

	tracker := s.metrics.Track(TaskReservationSweep)
	released, err := s.releaser.ReleaseExpired(ctx, time.Now().UTC())
	if err != nil {
		return tracker.End(err)
	}
	s.metrics.AddReleased(released)
	if released > 0 {
		s.logger.Info("released expired reservations", slog.Int("count", released))
	}
	return tracker.End(nil)
}

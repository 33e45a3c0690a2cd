package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	_ "github.com/fournil-erp/fournil-erp/testing"
)

type fakeReleaser struct {
	released int
	calls    int
}

func (f *fakeReleaser) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	f.calls++
	return f.released, nil
}

func TestReservationSweepReleasesExpired(t *testing.T) {
	releaser := &fakeReleaser{released: 3}
	sweeper := NewReservationSweeper(releaser, nil, nil, slog.Default())

	task, err := NewReservationSweepTask(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, sweeper.Handle(context.Background(), task))
	require.Equal(t, 1, releaser.calls)
}

func TestReservationSweepSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redislock.New(client)

	held, err := locker.Obtain(context.Background(), reservationSweepLockKey, time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	releaser := &fakeReleaser{}
	sweeper := NewReservationSweeper(releaser, locker, nil, slog.Default())

	task, err := NewReservationSweepTask(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, sweeper.Handle(context.Background(), task))
	require.Zero(t, releaser.calls)
}

func TestReservationSweepRejectsBadPayload(t *testing.T) {
	sweeper := NewReservationSweeper(&fakeReleaser{}, nil, nil, slog.Default())
	err := sweeper.Handle(context.Background(), asynq.NewTask(TaskReservationSweep, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

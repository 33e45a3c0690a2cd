package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
	"github.com/fournil-erp/fournil-erp/internal/app"
	"github.com/fournil-erp/fournil-erp/internal/availability"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	jobmetrics "github.com/fournil-erp/fournil-erp/internal/jobs"
	"github.com/fournil-erp/fournil-erp/internal/platform/db"
	"github.com/fournil-erp/fournil-erp/internal/reservation"
	"github.com/fournil-erp/fournil-erp/internal/shared"
	"github.com/fournil-erp/fournil-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	catalogRepo := catalog.NewRepository(pool)
	availabilityCache := availability.NewCache(redisClient, cfg.AvailabilityCacheTTL)
	availabilityRepo := availability.NewRepository(pool)
	availabilityService := availability.NewService(availabilityRepo, catalogRepo, availabilityCache)
	planner := allocation.NewPlanner(availabilityService)

	reservationRepo := reservation.NewRepository(pool)
	reservationService := reservation.NewService(reservationRepo, planner, catalogRepo, availabilityService, cfg.ReservationTTL)

	metrics := jobmetrics.NewMetrics(nil)
	locker := redislock.New(redisClient)
	sweeper := jobs.NewReservationSweeper(reservationService, locker, metrics, logger)

	idempotencyStore := shared.NewIdempotencyStore(pool)
	cleaner := jobs.NewIdempotencyCleaner(idempotencyStore, metrics, logger)

	sweepTask, err := jobs.NewReservationSweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(72)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReservationSweep, Handler: sweeper.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleaner.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReservationSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fournil-erp/fournil-erp/internal/allocation"
	"github.com/fournil-erp/fournil-erp/internal/app"
	"github.com/fournil-erp/fournil-erp/internal/availability"
	"github.com/fournil-erp/fournil-erp/internal/catalog"
	"github.com/fournil-erp/fournil-erp/internal/delivery"
	"github.com/fournil-erp/fournil-erp/internal/observability"
	"github.com/fournil-erp/fournil-erp/internal/orders"
	"github.com/fournil-erp/fournil-erp/internal/platform/cache"
	"github.com/fournil-erp/fournil-erp/internal/platform/db"
	"github.com/fournil-erp/fournil-erp/internal/reservation"
	"github.com/fournil-erp/fournil-erp/internal/shared"
	"github.com/fournil-erp/fournil-erp/internal/stock"
	"github.com/fournil-erp/fournil-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	catalogRepo := catalog.NewRepository(dbpool)

	availabilityCache := availability.NewCache(redisClient, cfg.AvailabilityCacheTTL)
	availabilityRepo := availability.NewRepository(dbpool)
	availabilityService := availability.NewService(availabilityRepo, catalogRepo, availabilityCache)

	stockRepo := stock.NewRepository(dbpool)
	stockService := stock.NewService(stockRepo, auditLogger, idempotencyStore, availabilityService, stock.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	planner := allocation.NewPlanner(availabilityService)

	reservationRepo := reservation.NewRepository(dbpool)
	reservationService := reservation.NewService(reservationRepo, planner, catalogRepo, availabilityService, cfg.ReservationTTL)

	ordersRepo := orders.NewRepository(dbpool)
	ordersService := orders.NewService(ordersRepo, availabilityService)

	deliveryRepo := delivery.NewRepository(dbpool)
	deliveryService := delivery.NewService(deliveryRepo, planner, catalogRepo, ordersRepo, auditLogger, availabilityService, delivery.ServiceConfig{
		ReservationTTL:     cfg.ReservationTTL,
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	stockHandler := stock.NewHandler(logger, stockService)
	availabilityHandler := availability.NewHandler(logger, availabilityService)
	deliveryHandler := delivery.NewHandler(logger, deliveryService)
	reservationHandler := reservation.NewHandler(logger, reservationService)
	ordersHandler := orders.NewHandler(logger, ordersService)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		StockHandler:        stockHandler,
		AvailabilityHandler: availabilityHandler,
		DeliveryHandler:     deliveryHandler,
		ReservationHandler:  reservationHandler,
		OrdersHandler:       ordersHandler,
		JobHandler:          jobHandler,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

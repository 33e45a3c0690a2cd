package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fournil-erp/fournil-erp/internal/jobs"
)

// KeyCleaner prunes stored idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleaner prunes idempotency keys past their retention window.
type IdempotencyCleaner struct {
	store   KeyCleaner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewIdempotencyCleaner builds the cleanup handler.
func NewIdempotencyCleaner(store KeyCleaner, metrics *jobmetrics.Metrics, logger *slog.Logger) *IdempotencyCleaner {
	return &IdempotencyCleaner{store: store, metrics: metrics, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (c *IdempotencyCleaner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	tracker := c.metrics.Track(TaskIdempotencyCleanup)
	if err := c.store.Cleanup(ctx, retention); err != nil {
		return tracker.End(err)
	}
	c.logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
	return tracker.End(nil)
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/production"
)

const defaultDrainLimit = 50

// OutboxDrainJob drains the production outbox at-least-once.
type OutboxDrainJob struct {
	service *production.Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewOutboxDrainJob constructs the drain job.
func NewOutboxDrainJob(service *production.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxDrainJob {
	return &OutboxDrainJob{service: service, logger: logger, metrics: metrics}
}

// Handle processes one TaskOutboxDrain task.
func (j *OutboxDrainJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload OutboxDrainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultDrainLimit
	}
	tracker := j.metrics.Track("outbox_drain")
	processed, err := j.service.DrainOutbox(ctx, limit)
	if processed > 0 {
		j.metrics.AddIntents("processed", processed)
		j.logger.Info("outbox drained", slog.Int("processed", processed))
	}
	return tracker.End(err)
}

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 5 * time.Second
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher republishes jobs whose first publish failed.
type OutboxDispatcher struct {
	repo                store.OutboxStore
	publisher           queue.Publisher
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	logger              *slog.Logger
}

func NewOutboxDispatcher(repo store.OutboxStore, publisher queue.Publisher, pollInterval time.Duration, logger *slog.Logger) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxDispatcher{
		repo:                repo,
		publisher:           publisher,
		batchSize:           defaultBatchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
		logger:              logger.With("component", "outbox_dispatcher"),
	}
}

// Run polls until ctx is done.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush error", "error", err)
			}
		}
	}
}

// FlushOnce claims one batch and publishes it, returning how many were sent.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutbox(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		opts := queue.PublishOptions{DelaySeconds: message.DelaySeconds, DedupKey: message.Job.DedupKey}
		if err := d.publisher.Publish(ctx, message.Endpoint, message.Job, opts); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.Warn("outbox publish failed",
				"outbox_id", message.ID,
				"job_id", message.Job.ID,
				"attempts", message.Attempts,
				"retry_after_seconds", retryAfter,
				"error", err,
			)
			_ = d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox job as published", "outbox_id", message.ID, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

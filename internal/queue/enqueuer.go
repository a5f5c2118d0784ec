package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sosmoto/sosmoto-service/internal/domain"
)

// OutboxWriter stores a job whose publish failed.
type OutboxWriter interface {
	EnqueueOutbox(ctx context.Context, endpoint string, job domain.Job, delaySeconds int) error
}

// Delivery says how an enqueue was satisfied.
type Delivery string

const (
	DeliveryPublished Delivery = "published"
	DeliveryDeferred  Delivery = "deferred"
)

// Enqueuer publishes jobs and falls back to the durable outbox when the
// queue is unreachable.
type Enqueuer struct {
	publisher Publisher
	outbox    OutboxWriter
	logger    *slog.Logger
}

func NewEnqueuer(publisher Publisher, outbox OutboxWriter, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{publisher: publisher, outbox: outbox, logger: logger.With("component", "enqueuer")}
}

// Enqueue publishes job to its endpoint. An error means the job is neither
// on the queue nor in the outbox.
func (e *Enqueuer) Enqueue(ctx context.Context, job domain.Job, opts PublishOptions) (Delivery, error) {
	if opts.DedupKey == "" {
		opts.DedupKey = job.DedupKey
	}
	endpoint := job.Type.Endpoint()

	err := e.publisher.Publish(ctx, endpoint, job, opts)
	if err == nil {
		return DeliveryPublished, nil
	}

	e.logger.Warn("publish failed; storing job in outbox",
		"endpoint", endpoint,
		"job_id", job.ID,
		"correlation_id", job.CorrelationID,
		"error", err,
	)
	if e.outbox == nil {
		return "", domain.Transient("enqueue job", err)
	}
	if outboxErr := e.outbox.EnqueueOutbox(ctx, endpoint, job, opts.DelaySeconds); outboxErr != nil {
		return "", domain.Transient("enqueue job", fmt.Errorf("publish: %v; outbox: %w", err, outboxErr))
	}
	return DeliveryDeferred, nil
}

package app

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/pkg/rabbitmq"
)

const defaultJobTimeout = 2 * time.Minute

// RabbitJobHandlers adapts the Runner to RabbitMQ deliveries. Retries are
// republished to the delay queue with the next retry count and the original
// delivery is acked; dead letters are acked once the manual review is stored.
type RabbitJobHandlers struct {
	runner  *Runner
	jobs    JobEnqueuer
	timeout time.Duration
	logger  *slog.Logger
}

func NewRabbitJobHandlers(runner *Runner, jobs JobEnqueuer, logger *slog.Logger) *RabbitJobHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitJobHandlers{
		runner:  runner,
		jobs:    jobs,
		timeout: defaultJobTimeout,
		logger:  logger.With("component", "rabbit_jobs"),
	}
}

// Bindings maps routing keys to handlers for ConsumeWithBindings.
func (h *RabbitJobHandlers) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		domain.EndpointFinalizePayment: func(body []byte) bool { return h.handle(domain.JobFinalizePayment, body) },
		domain.EndpointSendEmail:       func(body []byte) bool { return h.handle(domain.JobSendEmail, body) },
	}
}

func (h *RabbitJobHandlers) handle(jobType domain.JobType, body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	job, err := h.runner.Decode(body)
	if err != nil {
		h.logger.Error("undecodable job delivery", "job_type", jobType, "error", err)
		if parkErr := h.runner.ParkUndecodable(ctx, jobType, body, err); parkErr != nil {
			h.logger.Error("failed to park undecodable job", "error", parkErr)
			return false
		}
		return true
	}

	outcome := h.runner.Run(ctx, job)
	switch outcome.Kind {
	case queue.OutcomeDone:
		return true
	case queue.OutcomeRetry:
		next := job.NextAttempt()
		delaySeconds := int(math.Ceil(outcome.Delay.Seconds()))
		if _, err := h.jobs.Enqueue(ctx, next, queue.PublishOptions{DelaySeconds: delaySeconds}); err != nil {
			h.logger.Error("failed to schedule job retry; requeueing delivery", "job_id", job.ID, "error", err)
			return false
		}
		return true
	default:
		if err := h.runner.Park(ctx, job, outcome); err != nil {
			h.logger.Error("failed to park job; requeueing delivery", "job_id", job.ID, "error", err)
			return false
		}
		return true
	}
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
)

// JobHandler processes one job.
type JobHandler func(ctx context.Context, job domain.Job) error

// Runner maps a job onto its handler and the handler's error onto a queue
// outcome. Transports only deal with outcomes.
type Runner struct {
	handlers map[domain.JobType]JobHandler
	reviews  store.ManualReviewStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewRunner(reviews store.ManualReviewStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		handlers: make(map[domain.JobType]JobHandler),
		reviews:  reviews,
		logger:   logger.With("component", "job_runner"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle registers the handler for a job type.
func (r *Runner) Handle(jobType domain.JobType, handler JobHandler) {
	r.handlers[jobType] = handler
}

// Decode parses a delivery body into a Job.
func (r *Runner) Decode(body []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.Job{}, domain.Invalid("decode job", err)
	}
	if job.ID == "" || job.Type == "" {
		return domain.Job{}, domain.Invalid("decode job", fmt.Errorf("job id and type are required"))
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = domain.DefaultMaxRetries
	}
	return job, nil
}

// Run executes job and decides what the transport does with it.
func (r *Runner) Run(ctx context.Context, job domain.Job) queue.Outcome {
	logger := r.logger.With("job_id", job.ID, "job_type", job.Type, "correlation_id", job.CorrelationID, "retry_count", job.RetryCount)

	handler, ok := r.handlers[job.Type]
	if !ok {
		logger.ErrorContext(ctx, "no handler for job type")
		return queue.DeadLetter(fmt.Sprintf("no handler for job type %q", job.Type), domain.KindValidation)
	}

	err := handler(ctx, job)
	if err == nil {
		return queue.Done()
	}

	kind := domain.KindOf(err)
	if domain.IsTerminal(err) {
		logger.ErrorContext(ctx, "job failed permanently", "error_kind", kind, "error", err)
		return queue.DeadLetter(err.Error(), kind)
	}
	if job.Exhausted() {
		logger.ErrorContext(ctx, "job retries exhausted", "max_retries", job.MaxRetries, "error", err)
		return queue.DeadLetter(fmt.Sprintf("retries exhausted after %d attempts: %v", job.RetryCount, err), kind)
	}
	delay := domain.RetryBackoff(job.RetryCount + 1)
	logger.WarnContext(ctx, "job failed; will retry", "delay", delay, "error", err)
	return queue.RetryAfter(delay, err.Error())
}

// Park writes job to the manual-review store.
func (r *Runner) Park(ctx context.Context, job domain.Job, outcome queue.Outcome) error {
	review := domain.ManualReview{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		JobType:       job.Type,
		Payload:       job.Payload,
		Reason:        outcome.Reason,
		ErrorKind:     outcome.ErrorKind,
		RetryCount:    job.RetryCount,
		CorrelationID: job.CorrelationID,
		CreatedAt:     r.now(),
	}
	if len(review.Payload) == 0 {
		review.Payload = json.RawMessage(`{}`)
	}
	if err := r.reviews.CreateManualReview(ctx, review); err != nil {
		return fmt.Errorf("failed to store manual review for job %s: %w", job.ID, err)
	}
	r.logger.WarnContext(ctx, "job parked for manual review",
		"job_id", job.ID,
		"job_type", job.Type,
		"correlation_id", job.CorrelationID,
		"reason", outcome.Reason,
	)
	return nil
}

// ParkUndecodable stores a body that never decoded into a Job.
func (r *Runner) ParkUndecodable(ctx context.Context, jobType domain.JobType, body []byte, cause error) error {
	payload := json.RawMessage(`{}`)
	if json.Valid(body) {
		payload = json.RawMessage(body)
	} else if blob, err := json.Marshal(string(body)); err == nil {
		payload = blob
	}
	job := domain.Job{ID: "undecodable-" + uuid.NewString(), Type: jobType, Payload: payload}
	return r.Park(ctx, job, queue.DeadLetter(cause.Error(), domain.KindValidation))
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
)

const (
	defaultReconcileBatch   = 100
	defaultReconcileTimeout = 5 * time.Minute
)

type reconcilerStore interface {
	store.PaymentStore
	store.ProfileStore
}

// Reconciler re-enqueues finalization for approved payments whose profile
// never became ACTIVE, e.g. because the job was lost between the webhook and
// the queue. Extra jobs are absorbed by the finalizer's idempotency guard.
type Reconciler struct {
	store      reconcilerStore
	jobs       JobEnqueuer
	grace      time.Duration
	batchSize  int
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(repo reconcilerStore, jobs JobEnqueuer, grace time.Duration, maxRetries int, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      repo,
		jobs:       jobs,
		grace:      grace,
		batchSize:  defaultReconcileBatch,
		maxRetries: maxRetries,
		logger:     logger.With("component", "reconciler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run is the cron entry point.
func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultReconcileTimeout)
	defer cancel()

	count, err := r.ReconcileOnce(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed", "error", err)
		return
	}
	if count > 0 {
		r.logger.Info("reconciliation re-enqueued finalization jobs", "count", count)
	}
}

// ReconcileOnce sweeps one batch and returns how many jobs were enqueued.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	payments, err := r.store.ListApprovedWithoutActiveProfile(ctx, r.now().Add(-r.grace), r.batchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, p := range payments {
		if p.ExternalID == "" || p.ExternalReference == "" {
			continue
		}
		logger := r.logger.With("payment_id", p.ExternalID, "profile_id", p.ExternalReference)

		payload := domain.FinalizePaymentPayload{
			PaymentID:         p.ExternalID,
			ExternalReference: p.ExternalReference,
			PayerEmail:        p.Payer.Email,
			Amount:            p.Amount,
		}
		profile, err := r.store.GetProfile(ctx, p.ExternalReference)
		switch {
		case err == nil:
			snapshot := profile.ProfileData
			payload.ProfileData = &snapshot
		case !errors.Is(err, store.ErrProfileNotFound):
			logger.Warn("failed to load profile snapshot", "error", err)
		}

		job, err := domain.NewJob(uuid.NewString(), domain.JobFinalizePayment, uuid.NewString(), FinalizeDedupKey(p.ExternalID), r.maxRetries, payload)
		if err != nil {
			logger.Error("failed to build finalization job", "error", err)
			continue
		}
		if _, err := r.jobs.Enqueue(ctx, job, queue.PublishOptions{}); err != nil {
			logger.Error("failed to re-enqueue finalization", "error", err)
			continue
		}
		logger.Info("re-enqueued finalization", "job_id", job.ID, "correlation_id", job.CorrelationID)
		enqueued++
	}
	return enqueued, nil
}

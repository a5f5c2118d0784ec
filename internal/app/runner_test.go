package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(repo *store.MemoryStore, handler JobHandler) *Runner {
	r := NewRunner(repo, testLogger)
	r.Handle(domain.JobFinalizePayment, handler)
	return r
}

func TestRunner_MapsErrorsToOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryCount int
		want       queue.OutcomeKind
		delay      time.Duration
	}{
		{name: "success", err: nil, want: queue.OutcomeDone},
		{name: "transient first attempt", err: domain.Transient("op", errBoom), want: queue.OutcomeRetry, delay: 2 * time.Second},
		{name: "transient second attempt", err: domain.Transient("op", errBoom), retryCount: 1, want: queue.OutcomeRetry, delay: 4 * time.Second},
		{name: "unclassified is retried", err: errBoom, want: queue.OutcomeRetry, delay: 2 * time.Second},
		{name: "transient exhausted", err: domain.Transient("op", errBoom), retryCount: 3, want: queue.OutcomeDeadLetter},
		{name: "validation", err: domain.Invalid("op", errBoom), want: queue.OutcomeDeadLetter},
		{name: "state conflict", err: &domain.InvalidStateTransition{Entity: "payment", From: "REJECTED", To: "APPROVED"}, want: queue.OutcomeDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(store.NewMemoryStore(), func(ctx context.Context, job domain.Job) error { return tt.err })
			job := finalizeJob(t, "1", "abc", nil)
			job.RetryCount = tt.retryCount

			outcome := r.Run(context.Background(), job)
			assert.Equal(t, tt.want, outcome.Kind)
			if tt.want == queue.OutcomeRetry {
				assert.Equal(t, tt.delay, outcome.Delay)
			}
		})
	}
}

func TestRunner_UnknownJobTypeIsDeadLettered(t *testing.T) {
	r := NewRunner(store.NewMemoryStore(), testLogger)
	outcome := r.Run(context.Background(), domain.Job{ID: "x", Type: "mystery"})
	assert.Equal(t, queue.OutcomeDeadLetter, outcome.Kind)
	assert.Equal(t, domain.KindValidation, outcome.ErrorKind)
}

func TestRunner_ParkWritesManualReview(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	r := NewRunner(repo, testLogger)
	job := finalizeJob(t, "1", "abc", nil)
	job.RetryCount = 3

	require.NoError(t, r.Park(ctx, job, queue.DeadLetter("retries exhausted", domain.KindTransient)))

	reviews, err := repo.ListOpenManualReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, job.ID, reviews[0].JobID)
	assert.Equal(t, 3, reviews[0].RetryCount)
	assert.Equal(t, domain.KindTransient, reviews[0].ErrorKind)
	assert.JSONEq(t, string(job.Payload), string(reviews[0].Payload))
}

func TestRunner_DecodeRejectsGarbage(t *testing.T) {
	r := NewRunner(store.NewMemoryStore(), testLogger)
	_, err := r.Decode([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = r.Decode([]byte(`{"id":""}`))
	require.Error(t, err)
}

func TestRabbitJobHandlers_RetryRepublishesWithNextCount(t *testing.T) {
	jobs := &enqueuerStub{}
	r := newTestRunner(store.NewMemoryStore(), func(ctx context.Context, job domain.Job) error {
		return domain.Transient("op", errBoom)
	})
	handlers := NewRabbitJobHandlers(r, jobs, testLogger).Bindings()

	body, err := json.Marshal(finalizeJob(t, "1", "abc", nil))
	require.NoError(t, err)

	assert.True(t, handlers[domain.EndpointFinalizePayment](body))
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, 1, jobs.jobs[0].RetryCount)
	assert.Equal(t, 2, jobs.opts[0].DelaySeconds)
}

func TestRabbitJobHandlers_RetryPublishFailureRequeues(t *testing.T) {
	jobs := &enqueuerStub{err: errBoom}
	r := newTestRunner(store.NewMemoryStore(), func(ctx context.Context, job domain.Job) error {
		return domain.Transient("op", errBoom)
	})
	handlers := NewRabbitJobHandlers(r, jobs, testLogger).Bindings()

	body, err := json.Marshal(finalizeJob(t, "1", "abc", nil))
	require.NoError(t, err)
	assert.False(t, handlers[domain.EndpointFinalizePayment](body))
}

func TestRabbitJobHandlers_DeadLetterParksAndAcks(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	r := newTestRunner(repo, func(ctx context.Context, job domain.Job) error {
		return domain.Invalid("op", errors.New("bad profile"))
	})
	handlers := NewRabbitJobHandlers(r, &enqueuerStub{}, testLogger).Bindings()

	body, err := json.Marshal(finalizeJob(t, "1", "abc", nil))
	require.NoError(t, err)
	assert.True(t, handlers[domain.EndpointFinalizePayment](body))

	assert.True(t, handlers[domain.EndpointSendEmail]([]byte("garbage")))

	reviews, err := repo.ListOpenManualReviews(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, reviews, 2)
}

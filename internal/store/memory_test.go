package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T, externalID string) *domain.Payment {
	t.Helper()
	p, err := domain.NewPayment(domain.NewPaymentParams{
		ExternalID:        externalID,
		Method:            "pix",
		Amount:            5500,
		Currency:          "BRL",
		Payer:             domain.Payer{Email: "ana@example.com"},
		PlanType:          domain.PlanBasic,
		ExternalReference: "profile-1",
		Now:               time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return p
}

func TestMemoryStore_PaymentRoundTripAndUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newTestPayment(t, "123")

	require.NoError(t, s.CreatePayment(ctx, p))
	assert.ErrorIs(t, s.CreatePayment(ctx, newTestPayment(t, "123")), ErrPaymentExists)

	got, err := s.GetPaymentByExternalID(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	got.Status = domain.PaymentRejected
	stored, _ := s.GetPaymentByExternalID(ctx, "123")
	assert.Equal(t, domain.PaymentPending, stored.Status, "callers must not mutate stored records")

	_, err = s.GetPaymentByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	byRef, err := s.GetPaymentByReference(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)
}

func TestMemoryStore_UpdatePaymentComparesStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newTestPayment(t, "123")
	require.NoError(t, s.CreatePayment(ctx, p))

	require.NoError(t, p.Approve(time.Now()))
	require.NoError(t, s.UpdatePayment(ctx, p, domain.PaymentPending))

	stale := newTestPayment(t, "123")
	stale.ID = p.ID
	require.NoError(t, stale.Reject(time.Now()))
	assert.ErrorIs(t, s.UpdatePayment(ctx, stale, domain.PaymentPending), ErrConcurrentUpdate)

	got, err := s.GetPaymentByExternalID(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, got.Status)
}

func TestMemoryStore_LinkPaymentToProfile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePayment(ctx, newTestPayment(t, "123")))

	require.NoError(t, s.LinkPaymentToProfile(ctx, "123", "profile-1"))
	require.NoError(t, s.LinkPaymentToProfile(ctx, "123", "profile-1"))
	assert.Error(t, s.LinkPaymentToProfile(ctx, "123", "profile-2"))
	assert.ErrorIs(t, s.LinkPaymentToProfile(ctx, "999", "profile-1"), ErrPaymentNotFound)
}

func TestMemoryStore_ActivateProfileOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	profile := &domain.Profile{ID: "profile-1", UniqueURL: "profile-1", Status: domain.ProfilePending}
	require.NoError(t, s.UpsertApprovedProfile(ctx, profile))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		activated int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ActivateProfile(ctx, "profile-1", "https://cdn/qrcodes/profile-1.png", "https://app/memorial/profile-1", time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				activated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, activated)
	got, err := s.GetProfile(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileActive, got.Status)
	assert.NotNil(t, got.ActivatedAt)
}

func TestMemoryStore_UpsertLeavesActiveProfileAlone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	profile := &domain.Profile{ID: "p", UniqueURL: "p"}
	require.NoError(t, s.UpsertApprovedProfile(ctx, profile))
	_, err := s.ActivateProfile(ctx, "p", "qr", "memorial", time.Now())
	require.NoError(t, err)

	again := &domain.Profile{ID: "p", UniqueURL: "p", PaymentStatus: "approved"}
	require.NoError(t, s.UpsertApprovedProfile(ctx, again))

	got, err := s.GetProfile(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileActive, got.Status)
	assert.Equal(t, "qr", got.QRCodeURL)
	assert.ErrorIs(t, s.UpsertFailedProfile(ctx, &domain.Profile{ID: "p"}, "boom"), ErrProfileTransition)
}

func TestMemoryStore_UpdateProfilePaymentStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePendingProfile(ctx, &domain.Profile{ID: "p", UniqueURL: "p", Status: domain.ProfilePending}))

	require.NoError(t, s.UpdateProfilePaymentStatus(ctx, "p", domain.ProfilePaymentPending, "in_process"))
	got, _ := s.GetProfile(ctx, "p")
	assert.Equal(t, domain.ProfilePaymentPending, got.Status)
	assert.Equal(t, "in_process", got.PaymentStatus)

	assert.ErrorIs(t, s.UpdateProfilePaymentStatus(ctx, "missing", domain.ProfilePaymentPending, "x"), ErrProfileNotFound)
}

func TestMemoryStore_ListApprovedWithoutActiveProfile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	approvedAt := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	stuck := newTestPayment(t, "1")
	require.NoError(t, stuck.Approve(approvedAt))
	require.NoError(t, s.CreatePayment(ctx, stuck))

	done := newTestPayment(t, "2")
	done.ExternalReference = "profile-2"
	require.NoError(t, done.Approve(approvedAt))
	require.NoError(t, s.CreatePayment(ctx, done))
	require.NoError(t, s.UpsertApprovedProfile(ctx, &domain.Profile{ID: "profile-2", UniqueURL: "profile-2"}))
	_, err := s.ActivateProfile(ctx, "profile-2", "qr", "m", approvedAt)
	require.NoError(t, err)

	got, err := s.ListApprovedWithoutActiveProfile(ctx, approvedAt.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ExternalID)

	none, err := s.ListApprovedWithoutActiveProfile(ctx, approvedAt, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job, err := domain.NewJob("job-1", domain.JobFinalizePayment, "corr", "finalize:1", 3, map[string]string{"payment_id": "1"})
	require.NoError(t, err)

	require.NoError(t, s.EnqueueOutbox(ctx, domain.EndpointFinalizePayment, job, 0))
	claimed, err := s.ClaimOutbox(ctx, 10, 120)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "job-1", claimed[0].Job.ID)

	again, err := s.ClaimOutbox(ctx, 10, 120)
	require.NoError(t, err)
	assert.Empty(t, again, "a claimed row is not handed out twice")

	require.NoError(t, s.MarkOutboxFailed(ctx, claimed[0].ID, 60, "broker down"))
	later, err := s.ClaimOutbox(ctx, 10, 120)
	require.NoError(t, err)
	assert.Empty(t, later, "a failed row waits for its retry delay")

	require.NoError(t, s.MarkOutboxPublished(ctx, claimed[0].ID))
	assert.Equal(t, 0, s.PendingOutbox())
}

func TestMemoryStore_UpsertFailedProfile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	paymentID := "pay-1"

	require.NoError(t, s.UpsertFailedProfile(ctx, &domain.Profile{ID: "missing", PaymentID: &paymentID}, "no profile data"))
	got, err := s.GetProfile(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileProcessingFailed, got.Status)
	assert.Equal(t, "missing", got.UniqueURL)
	assert.Equal(t, "no profile data", got.FailureReason)

	require.NoError(t, s.CreatePendingProfile(ctx, &domain.Profile{ID: "pending", UniqueURL: "pending", Status: domain.ProfilePending}))
	require.NoError(t, s.UpsertFailedProfile(ctx, &domain.Profile{ID: "pending"}, "invalid snapshot"))
	got, err = s.GetProfile(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileProcessingFailed, got.Status)
	assert.Equal(t, "invalid snapshot", got.FailureReason)
}

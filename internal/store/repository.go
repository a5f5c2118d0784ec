/**
 * @description
 * This file defines the storage contracts used by the payment pipeline. The
 * application talks to these interfaces only, so the PostgreSQL repository and
 * the in-memory store are interchangeable.
 *
 * Atomicity is the store's job: concurrent finalization jobs for the same
 * profile serialize on UpsertApprovedProfile and ActivateProfile, never on a
 * lock held by the caller.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrPaymentExists     = errors.New("payment already exists")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrProfileExists     = errors.New("profile already exists")
	ErrConcurrentUpdate  = errors.New("record changed concurrently")
	ErrProfileTransition = errors.New("profile status does not allow this change")
)

// PaymentStore persists Payment records.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error)
	GetPaymentByReference(ctx context.Context, externalReference string) (*domain.Payment, error)
	// UpdatePayment saves p only if the stored status still equals expected.
	UpdatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentStatus) error
	LinkPaymentToProfile(ctx context.Context, externalID, profileID string) error
	ListApprovedWithoutActiveProfile(ctx context.Context, approvedBefore time.Time, limit int) ([]domain.Payment, error)
}

// EventStore is the append-only payment event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event domain.PaymentEvent) error
	ListEvents(ctx context.Context, paymentID string) ([]domain.PaymentEvent, error)
}

// ProfileStore persists pending and active profiles.
type ProfileStore interface {
	CreatePendingProfile(ctx context.Context, p *domain.Profile) error
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	// UpdateProfilePaymentStatus records the provider status on a profile
	// that has not been finalized yet.
	UpdateProfilePaymentStatus(ctx context.Context, id string, status domain.ProfileStatus, paymentStatus string) error
	// UpsertApprovedProfile creates the profile or moves it to
	// PAYMENT_APPROVED with the given data. ACTIVE profiles are left alone.
	UpsertApprovedProfile(ctx context.Context, p *domain.Profile) error
	// ActivateProfile sets the QR and memorial URLs and moves the profile to
	// ACTIVE. activated is true only for the call that made the change.
	ActivateProfile(ctx context.Context, id, qrCodeURL, memorialURL string, at time.Time) (activated bool, err error)
	// UpsertFailedProfile moves the profile to PROCESSING_FAILED, creating it
	// from p when no row exists. ACTIVE and INACTIVE profiles return
	// ErrProfileTransition.
	UpsertFailedProfile(ctx context.Context, p *domain.Profile, reason string) error
}

// ManualReviewStore is the dead-letter store.
type ManualReviewStore interface {
	CreateManualReview(ctx context.Context, review domain.ManualReview) error
	ListOpenManualReviews(ctx context.Context, limit int) ([]domain.ManualReview, error)
}

// OutboxStore holds publishes that failed.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, endpoint string, job domain.Job, delaySeconds int) error
	ClaimOutbox(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxJob, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository bundles every store.
type Repository interface {
	PaymentStore
	EventStore
	ProfileStore
	ManualReviewStore
	OutboxStore
}

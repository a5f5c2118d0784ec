/**
 * @description
 * Finalizer turns an approved payment into an ACTIVE profile. Jobs arrive at
 * least once, so every step is safe to repeat: the profile upsert and the
 * activation are atomic in the store, the QR code is uploaded to a
 * deterministic key, and only the call that actually activated the profile
 * enqueues the confirmation email.
 *
 * @dependencies
 * - github.com/skip2/go-qrcode: PNG encoding of the memorial URL.
 * - internal/store, internal/cache, internal/queue.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/sosmoto/sosmoto-service/internal/cache"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
)

const qrCodeSize = 512

var (
	errMissingReference   = errors.New("job carries no payment id or external reference")
	errMissingProfileData = errors.New("no profile data in the job or the store")
)

type finalizerStore interface {
	store.PaymentStore
	store.EventStore
	store.ProfileStore
}

// Finalizer runs finalize_payment jobs.
type Finalizer struct {
	store         finalizerStore
	objects       ObjectStore
	cache         ProfileCache
	jobs          JobEnqueuer
	publicBaseURL string
	maxRetries    int
	logger        *slog.Logger
	now           func() time.Time
}

func NewFinalizer(repo finalizerStore, objects ObjectStore, profileCache ProfileCache, jobs JobEnqueuer, publicBaseURL string, maxRetries int, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:         repo,
		objects:       objects,
		cache:         profileCache,
		jobs:          jobs,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxRetries:    maxRetries,
		logger:        logger.With("component", "finalizer"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// QRCodeObjectKey is where a profile's QR code lives in object storage.
func QRCodeObjectKey(profileID string) string {
	return "qrcodes/" + profileID + ".png"
}

// ConfirmationEmailDedupKey keys the one confirmation email of a payment.
func ConfirmationEmailDedupKey(paymentID string) string {
	return "email:confirmation:" + paymentID
}

// FailureEmailDedupKey keys the one failure email of a payment.
func FailureEmailDedupKey(paymentID string) string {
	return "email:failure:" + paymentID
}

// MemorialURL is the public page a QR code points to.
func (f *Finalizer) MemorialURL(profileID string) string {
	return f.publicBaseURL + "/memorial/" + profileID
}

// Finalize runs one finalize_payment job.
func (f *Finalizer) Finalize(ctx context.Context, job domain.Job) error {
	var payload domain.FinalizePaymentPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	profileID := strings.TrimSpace(payload.ExternalReference)
	paymentID := strings.TrimSpace(payload.PaymentID)
	if profileID == "" || paymentID == "" {
		return domain.Invalid("finalize payment", errMissingReference)
	}
	logger := f.logger.With("correlation_id", job.CorrelationID, "payment_id", paymentID, "profile_id", profileID, "job_id", job.ID)

	existing, err := f.store.GetProfile(ctx, profileID)
	switch {
	case errors.Is(err, store.ErrProfileNotFound):
		existing = nil
	case err != nil:
		return classify("load profile", err)
	}
	if existing.IsActive() {
		logger.InfoContext(ctx, "profile already active; nothing to do")
		return nil
	}

	data := payload.ProfileData
	if data == nil && existing != nil {
		stored := existing.ProfileData
		data = &stored
	}
	if data == nil {
		return f.fail(ctx, logger, job, payload, nil, domain.Invalid("finalize payment", errMissingProfileData))
	}
	if err := data.Validate(f.now()); err != nil {
		return f.fail(ctx, logger, job, payload, data, domain.Invalid("validate profile", err))
	}

	profile := &domain.Profile{
		ProfileData:   *data,
		ID:            profileID,
		UniqueURL:     profileID,
		Status:        domain.ProfilePaymentApproved,
		PaymentStatus: "approved",
		PaymentID:     &paymentID,
	}
	if err := f.store.UpsertApprovedProfile(ctx, profile); err != nil {
		return classify("upsert approved profile", err)
	}

	if err := f.store.LinkPaymentToProfile(ctx, paymentID, profileID); err != nil {
		var transition *domain.InvalidStateTransition
		if errors.As(err, &transition) {
			return domain.Conflict("link payment", err)
		}
		return domain.Transient("link payment", err)
	}
	f.appendEvent(ctx, logger, paymentID, domain.EventPaymentLinked, job.CorrelationID, map[string]any{"profile_id": profileID})

	memorialURL := f.MemorialURL(profileID)
	png, err := qrcode.Encode(memorialURL, qrcode.Medium, qrCodeSize)
	if err != nil {
		return domain.Invalid("encode qr code", err)
	}
	qrURL, err := f.objects.Put(ctx, QRCodeObjectKey(profileID), png, "image/png")
	if err != nil {
		return domain.Transient("upload qr code", err)
	}

	activated, err := f.store.ActivateProfile(ctx, profileID, qrURL, memorialURL, f.now())
	if err != nil {
		if errors.Is(err, store.ErrProfileTransition) {
			return domain.Conflict("activate profile", err)
		}
		return classify("activate profile", err)
	}
	if !activated {
		logger.InfoContext(ctx, "profile was activated by a concurrent job")
		return nil
	}
	logger.InfoContext(ctx, "profile activated", "qr_code_url", qrURL)
	f.appendEvent(ctx, logger, paymentID, domain.EventProfileActivated, job.CorrelationID, map[string]any{
		"profile_id":   profileID,
		"qr_code_url":  qrURL,
		"memorial_url": memorialURL,
	})

	f.cacheProfile(ctx, logger, profileID)

	recipient := firstNonEmpty(data.PersonalData.Email, payload.PayerEmail)
	f.enqueueEmail(ctx, logger, job.CorrelationID, ConfirmationEmailDedupKey(paymentID), domain.SendEmailPayload{
		Template:  domain.TemplateConfirmation,
		Recipient: recipient,
		TemplateData: map[string]string{
			"name":         data.PersonalData.Name,
			"plan":         data.PlanType.Title(),
			"amount":       formatBRL(payload.Amount),
			"memorial_url": memorialURL,
			"qr_code_url":  qrURL,
			"profile_id":   profileID,
		},
		PaymentID: paymentID,
		ProfileID: profileID,
	})
	return nil
}

// fail marks the profile PROCESSING_FAILED, tells the rider and returns cause.
func (f *Finalizer) fail(ctx context.Context, logger *slog.Logger, job domain.Job, payload domain.FinalizePaymentPayload, data *domain.ProfileData, cause error) error {
	logger.ErrorContext(ctx, "finalization failed", "error", cause)
	f.appendEvent(ctx, logger, payload.PaymentID, domain.EventFinalizationError, job.CorrelationID, map[string]any{
		"profile_id": payload.ExternalReference,
		"reason":     cause.Error(),
	})

	failed := &domain.Profile{
		ID:            payload.ExternalReference,
		UniqueURL:     payload.ExternalReference,
		Status:        domain.ProfileProcessingFailed,
		PaymentStatus: "approved",
		PaymentID:     &payload.PaymentID,
	}
	if data != nil {
		failed.ProfileData = *data
	}
	err := f.store.UpsertFailedProfile(ctx, failed, cause.Error())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrProfileTransition):
		logger.WarnContext(ctx, "profile not marked as failed", "error", err)
		return cause
	default:
		logger.ErrorContext(ctx, "failed to mark profile as failed", "error", err)
		return cause
	}

	name := ""
	recipient := payload.PayerEmail
	if data != nil {
		name = data.PersonalData.Name
		recipient = firstNonEmpty(recipient, data.PersonalData.Email)
	}
	if recipient != "" {
		f.enqueueEmail(ctx, logger, job.CorrelationID, FailureEmailDedupKey(payload.PaymentID), domain.SendEmailPayload{
			Template:     domain.TemplateFailure,
			Recipient:    recipient,
			TemplateData: map[string]string{"name": name, "profile_id": payload.ExternalReference},
			PaymentID:    payload.PaymentID,
			ProfileID:    payload.ExternalReference,
		})
	}
	return cause
}

func (f *Finalizer) cacheProfile(ctx context.Context, logger *slog.Logger, profileID string) {
	if f.cache == nil {
		return
	}
	profile, err := f.store.GetProfile(ctx, profileID)
	if err != nil {
		logger.WarnContext(ctx, "failed to reload profile for cache", "error", err)
		return
	}
	if err := f.cache.SetProfile(ctx, profile, cache.ProfileTTL); err != nil {
		logger.WarnContext(ctx, "failed to cache profile", "error", err)
	}
}

func (f *Finalizer) enqueueEmail(ctx context.Context, logger *slog.Logger, correlationID, dedupKey string, payload domain.SendEmailPayload) {
	if payload.Recipient == "" {
		logger.WarnContext(ctx, "no recipient for email", "template", payload.Template)
		return
	}
	job, err := domain.NewJob(uuid.NewString(), domain.JobSendEmail, correlationID, dedupKey, f.maxRetries, payload)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build email job", "error", err)
		return
	}
	delivery, err := f.jobs.Enqueue(ctx, job, queue.PublishOptions{})
	if err != nil {
		logger.ErrorContext(ctx, "failed to enqueue email job", "template", payload.Template, "error", err)
		return
	}
	logger.InfoContext(ctx, "email job enqueued", "template", payload.Template, "job_id", job.ID, "delivery", delivery)
}

func (f *Finalizer) appendEvent(ctx context.Context, logger *slog.Logger, paymentID, eventType, correlationID string, data map[string]any) {
	event, err := domain.NewPaymentEvent(paymentID, eventType, correlationID, data)
	if err == nil {
		err = f.store.AppendEvent(ctx, event)
	}
	if err != nil {
		logger.WarnContext(ctx, "failed to append payment event", "event_type", eventType, "error", err)
	}
}

// formatBRL renders centavos as "R$ 55,00".
func formatBRL(cents int64) string {
	if cents <= 0 {
		return ""
	}
	reais := strconv.FormatInt(cents/100, 10)
	return fmt.Sprintf("R$ %s,%02d", reais, cents%100)
}

/**
 * @description
 * WebhookService handles payment notifications from MercadoPago. It verifies
 * the signature, fetches the authoritative payment from the provider, records
 * the event, syncs the local Payment record and, for approved payments, hands
 * finalization to the job queue. It never finalizes anything itself.
 *
 * @dependencies
 * - internal/signature: the only HMAC verification path.
 * - internal/store: payments, events and pending profiles.
 * - internal/queue: finalization jobs, with the outbox as fallback.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/signature"
	"github.com/sosmoto/sosmoto-service/internal/store"
)

var (
	ErrMissingDataID    = errors.New("notification carries no data.id")
	ErrInvalidSignature = errors.New("webhook signature does not match")
)

// WebhookOutcome says what a notification led to.
type WebhookOutcome string

const (
	WebhookIgnored              WebhookOutcome = "ignored"
	WebhookRecorded             WebhookOutcome = "recorded"
	WebhookFinalizationEnqueued WebhookOutcome = "finalization_enqueued"
)

// WebhookNotification is a parsed provider notification plus its headers.
type WebhookNotification struct {
	Type      string
	Action    string
	DataID    string
	Signature string
	RequestID string
}

// WebhookResult is returned for every notification that passed verification.
type WebhookResult struct {
	Outcome       WebhookOutcome
	PaymentID     string
	Status        string
	CorrelationID string
	Delivery      queue.Delivery
}

type webhookStore interface {
	store.PaymentStore
	store.EventStore
	store.ProfileStore
}

// WebhookService processes provider notifications.
type WebhookService struct {
	store      webhookStore
	provider   PaymentProvider
	jobs       JobEnqueuer
	fraud      FraudMonitor
	secret     string
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func NewWebhookService(repo webhookStore, provider PaymentProvider, jobs JobEnqueuer, fraud FraudMonitor, secret string, maxRetries int, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	if fraud == nil {
		fraud = NewLogFraudMonitor(logger)
	}
	return &WebhookService{
		store:      repo,
		provider:   provider,
		jobs:       jobs,
		fraud:      fraud,
		secret:     secret,
		maxRetries: maxRetries,
		logger:     logger.With("component", "webhook"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FinalizeDedupKey is the queue dedup key of a payment's finalization job.
func FinalizeDedupKey(paymentID string) string {
	return "finalize:" + paymentID
}

// HandleNotification runs one notification end to end. Authentication and
// validation failures come back as kinded errors; any other error means the
// provider should deliver the notification again.
func (s *WebhookService) HandleNotification(ctx context.Context, n WebhookNotification) (WebhookResult, error) {
	dataID := strings.TrimSpace(n.DataID)
	if dataID == "" {
		return WebhookResult{}, domain.Invalid("handle webhook", ErrMissingDataID)
	}
	if !signature.Verify(n.Signature, n.RequestID, dataID, s.secret) {
		s.logger.WarnContext(ctx, "rejected webhook with invalid signature", "payment_id", dataID, "request_id", n.RequestID)
		return WebhookResult{}, domain.Unauthenticated("handle webhook", ErrInvalidSignature)
	}

	correlationID := strings.TrimSpace(n.RequestID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if !isPaymentNotification(n.Type, n.Action) {
		s.logger.InfoContext(ctx, "ignoring non-payment notification", "correlation_id", correlationID, "payment_id", dataID, "type", n.Type, "action", n.Action)
		return WebhookResult{Outcome: WebhookIgnored, PaymentID: dataID, CorrelationID: correlationID}, nil
	}
	return s.process(ctx, dataID, correlationID)
}

// Replay re-reads a payment from the provider and runs it through the same
// path as a verified notification. Operators use it for payments whose
// notifications were lost or parked.
func (s *WebhookService) Replay(ctx context.Context, paymentID string) (WebhookResult, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return WebhookResult{}, domain.Invalid("replay payment", ErrMissingDataID)
	}
	return s.process(ctx, paymentID, uuid.NewString())
}

func (s *WebhookService) process(ctx context.Context, dataID, correlationID string) (WebhookResult, error) {
	logger := s.logger.With("correlation_id", correlationID, "payment_id", dataID)
	result := WebhookResult{PaymentID: dataID, CorrelationID: correlationID}

	raw, err := s.provider.GetPayment(ctx, dataID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to fetch payment from provider", "error", err)
		return result, domain.Transient("fetch provider payment", err)
	}
	payment, err := toProviderPayment(raw)
	if err != nil {
		logger.ErrorContext(ctx, "provider returned an invalid payment", "error", err)
		return result, err
	}
	result.Status = payment.Status
	logger = logger.With("profile_id", payment.ExternalReference)

	event, err := domain.NewPaymentEvent(payment.ID, domain.EventPaymentProcessed, correlationID, map[string]any{
		"status":             payment.Status,
		"status_detail":      payment.StatusDetail,
		"amount":             payment.Amount,
		"external_reference": payment.ExternalReference,
		"hasDeviceId":        payment.HasDeviceID(),
	})
	if err != nil {
		return result, err
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		logger.ErrorContext(ctx, "failed to append payment event", "error", err)
		return result, domain.Transient("append payment event", err)
	}

	if !payment.HasDeviceID() {
		s.fraud.Report(ctx, FraudSignal{
			Signal:            FraudSignalMissingDeviceID,
			PaymentID:         payment.ID,
			ExternalReference: payment.ExternalReference,
			PayerEmail:        payment.Payer.Email,
			Amount:            payment.Amount,
			Status:            payment.Status,
			CorrelationID:     correlationID,
			DetectedAt:        s.now(),
		})
	}

	if err := s.syncPayment(ctx, payment, correlationID, logger); err != nil {
		logger.ErrorContext(ctx, "failed to sync payment record", "error", err)
		return result, err
	}

	if !payment.IsApproved() {
		if err := s.recordProviderStatus(ctx, payment, logger); err != nil {
			return result, err
		}
		result.Outcome = WebhookRecorded
		return result, nil
	}

	if payment.ExternalReference == "" {
		logger.ErrorContext(ctx, "approved payment has no external reference; finalization skipped")
		s.appendEvent(ctx, logger, payment.ID, domain.EventFinalizationError, correlationID, map[string]any{
			"reason": "missing external reference",
		})
		result.Outcome = WebhookRecorded
		return result, nil
	}

	delivery, err := s.enqueueFinalization(ctx, payment, correlationID, logger)
	if err != nil {
		logger.ErrorContext(ctx, "failed to enqueue finalization", "error", err)
		return result, err
	}
	result.Outcome = WebhookFinalizationEnqueued
	result.Delivery = delivery
	return result, nil
}

func isPaymentNotification(notificationType, action string) bool {
	t := strings.ToLower(strings.TrimSpace(notificationType))
	if t != "" {
		return t == "payment"
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(action)), "payment.")
}

func (s *WebhookService) syncPayment(ctx context.Context, pp domain.ProviderPayment, correlationID string, logger *slog.Logger) error {
	target, _ := domain.PaymentStatusFromProvider(pp.Status)

	existing, err := s.store.GetPaymentByExternalID(ctx, pp.ID)
	switch {
	case errors.Is(err, store.ErrPaymentNotFound):
		adopted, adoptErr := s.adoptCheckoutPayment(ctx, pp)
		if adoptErr != nil {
			return adoptErr
		}
		if adopted == nil {
			return s.createPayment(ctx, pp, target, correlationID, logger)
		}
		return s.applyProviderState(ctx, adopted, pp, target, true, correlationID, logger)
	case err != nil:
		return domain.Transient("load payment", err)
	}
	return s.applyProviderState(ctx, existing, pp, target, false, correlationID, logger)
}

// adoptCheckoutPayment finds the record opened at checkout, which has no
// provider id yet, and attaches the provider id to it.
func (s *WebhookService) adoptCheckoutPayment(ctx context.Context, pp domain.ProviderPayment) (*domain.Payment, error) {
	if pp.ExternalReference == "" {
		return nil, nil
	}
	p, err := s.store.GetPaymentByReference(ctx, pp.ExternalReference)
	if errors.Is(err, store.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("load checkout payment", err)
	}
	if p.ExternalID != "" && p.ExternalID != pp.ID {
		return nil, nil
	}
	p.ExternalID = pp.ID
	if p.Method == "" {
		p.Method = pp.Method
	}
	if p.DeviceID == "" {
		p.DeviceID = pp.DeviceID
	}
	if pp.Payer.Name != "" || pp.Payer.Identification != "" {
		p.Payer.Name = firstNonEmpty(p.Payer.Name, pp.Payer.Name)
		p.Payer.Identification = firstNonEmpty(p.Payer.Identification, pp.Payer.Identification)
	}
	return p, nil
}

func (s *WebhookService) createPayment(ctx context.Context, pp domain.ProviderPayment, target domain.PaymentStatus, correlationID string, logger *slog.Logger) error {
	payer := pp.Payer
	if payer.Email == "" && pp.ExternalReference != "" {
		if profile, err := s.store.GetProfile(ctx, pp.ExternalReference); err == nil {
			payer.Email = profile.PersonalData.Email
		}
	}

	p, err := domain.NewPayment(domain.NewPaymentParams{
		ExternalID:        pp.ID,
		Method:            pp.Method,
		Amount:            pp.Amount,
		Currency:          pp.Currency,
		Payer:             payer,
		PlanType:          pp.PlanType,
		ExternalReference: pp.ExternalReference,
		DeviceID:          pp.DeviceID,
		Now:               pp.DateCreated,
	})
	if err != nil {
		s.appendEvent(ctx, logger, pp.ID, domain.EventFinalizationError, correlationID, map[string]any{
			"profile_id": pp.ExternalReference,
			"reason":     "payment record rejected: " + err.Error(),
		})
		return domain.Invalid("create payment", err)
	}
	if target != domain.PaymentPending {
		if err := p.TransitionTo(target, s.transitionTime(pp, target)); err != nil {
			s.recordStateConflict(ctx, p, target, correlationID, err, logger)
		}
	}
	if p.Status == domain.PaymentApproved {
		addProviderFees(p, pp.Fees)
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return domain.Transient("create payment", err)
	}
	logger.InfoContext(ctx, "payment record created", "status", p.Status)
	return nil
}

func (s *WebhookService) applyProviderState(ctx context.Context, p *domain.Payment, pp domain.ProviderPayment, target domain.PaymentStatus, dirty bool, correlationID string, logger *slog.Logger) error {
	expected := p.Status
	if p.Status != target {
		if err := p.TransitionTo(target, s.transitionTime(pp, target)); err != nil {
			s.recordStateConflict(ctx, p, target, correlationID, err, logger)
		} else {
			dirty = true
		}
	}
	if p.Status == domain.PaymentApproved && len(p.Fees) == 0 && addProviderFees(p, pp.Fees) {
		dirty = true
	}
	if !dirty {
		return nil
	}
	if err := s.store.UpdatePayment(ctx, p, expected); err != nil {
		return domain.Transient("update payment", err)
	}
	logger.InfoContext(ctx, "payment record updated", "from", expected, "to", p.Status)
	return nil
}

func addProviderFees(p *domain.Payment, fees []domain.Fee) bool {
	added := false
	for _, fee := range fees {
		if err := p.AddFee(fee); err == nil {
			added = true
		}
	}
	return added
}

func (s *WebhookService) transitionTime(pp domain.ProviderPayment, target domain.PaymentStatus) time.Time {
	if target == domain.PaymentApproved && pp.DateApproved != nil {
		return *pp.DateApproved
	}
	return s.now()
}

func (s *WebhookService) recordStateConflict(ctx context.Context, p *domain.Payment, target domain.PaymentStatus, correlationID string, cause error, logger *slog.Logger) {
	err := domain.Conflict("sync payment", cause)
	logger.WarnContext(ctx, "ignoring illegal payment transition", "from", p.Status, "to", target, "error", err)
	s.appendEvent(ctx, logger, p.ExternalID, domain.EventStateConflict, correlationID, map[string]any{
		"from": p.Status,
		"to":   target,
	})
}

// recordProviderStatus copies a non-approved provider status onto the
// pending profile so the rider sees where the payment stands.
func (s *WebhookService) recordProviderStatus(ctx context.Context, pp domain.ProviderPayment, logger *slog.Logger) error {
	if pp.ExternalReference == "" {
		return nil
	}
	err := s.store.UpdateProfilePaymentStatus(ctx, pp.ExternalReference, domain.ProfilePaymentPending, pp.Status)
	if errors.Is(err, store.ErrProfileNotFound) {
		logger.InfoContext(ctx, "no pending profile for payment", "status", pp.Status)
		return nil
	}
	if err != nil {
		return domain.Transient("update profile payment status", err)
	}
	logger.InfoContext(ctx, "profile payment status updated", "status", pp.Status)
	return nil
}

func (s *WebhookService) enqueueFinalization(ctx context.Context, pp domain.ProviderPayment, correlationID string, logger *slog.Logger) (queue.Delivery, error) {
	payload := domain.FinalizePaymentPayload{
		PaymentID:         pp.ID,
		ExternalReference: pp.ExternalReference,
		PayerEmail:        pp.Payer.Email,
		Amount:            pp.Amount,
	}
	profile, err := s.store.GetProfile(ctx, pp.ExternalReference)
	switch {
	case err == nil:
		snapshot := profile.ProfileData
		payload.ProfileData = &snapshot
	case errors.Is(err, store.ErrProfileNotFound):
		logger.WarnContext(ctx, "approved payment has no pending profile; finalizing without snapshot")
	default:
		logger.WarnContext(ctx, "failed to load pending profile snapshot", "error", err)
	}

	job, err := domain.NewJob(uuid.NewString(), domain.JobFinalizePayment, correlationID, FinalizeDedupKey(pp.ID), s.maxRetries, payload)
	if err != nil {
		return "", err
	}
	delivery, err := s.jobs.Enqueue(ctx, job, queue.PublishOptions{})
	if err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "finalization job enqueued", "job_id", job.ID, "delivery", delivery)
	return delivery, nil
}

func (s *WebhookService) appendEvent(ctx context.Context, logger *slog.Logger, paymentID, eventType, correlationID string, data map[string]any) {
	event, err := domain.NewPaymentEvent(paymentID, eventType, correlationID, data)
	if err == nil {
		err = s.store.AppendEvent(ctx, event)
	}
	if err != nil {
		logger.WarnContext(ctx, "failed to append payment event", "event_type", eventType, "error", err)
	}
}

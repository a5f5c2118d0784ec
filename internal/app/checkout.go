package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/internal/store"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
)

const checkoutRateScope = "checkout"

// RateLimitError is returned when a client exceeded the checkout limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many checkout attempts; retry after %d seconds", e.RetryAfterSeconds)
}

// CheckoutRequest is the submitted profile form.
type CheckoutRequest struct {
	ProfileData domain.ProfileData
	DeviceID    string
	ClientIP    string
}

// CheckoutResult tells the frontend where to send the rider.
type CheckoutResult struct {
	UniqueURL        string `json:"uniqueUrl"`
	PreferenceID     string `json:"preferenceId"`
	InitPoint        string `json:"initPoint"`
	SandboxInitPoint string `json:"sandboxInitPoint,omitempty"`
	Amount           int64  `json:"amount"`
}

type checkoutStore interface {
	store.PaymentStore
	store.ProfileStore
}

// CheckoutService opens a pending profile and a provider checkout for it.
type CheckoutService struct {
	store         checkoutStore
	provider      PaymentProvider
	limiter       RateLimiter
	jobs          JobEnqueuer
	publicBaseURL string
	ratePerMinute int
	maxRetries    int
	logger        *slog.Logger
	now           func() time.Time
}

func NewCheckoutService(repo checkoutStore, provider PaymentProvider, limiter RateLimiter, jobs JobEnqueuer, publicBaseURL string, ratePerMinute, maxRetries int, logger *slog.Logger) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutService{
		store:         repo,
		provider:      provider,
		limiter:       limiter,
		jobs:          jobs,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		ratePerMinute: ratePerMinute,
		maxRetries:    maxRetries,
		logger:        logger.With("component", "checkout"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateCheckout validates the form, stores the pending profile and payment
// and creates the provider preference.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := s.checkRateLimit(ctx, req.ClientIP); err != nil {
		return nil, err
	}

	data := req.ProfileData
	data.PlanType = domain.PlanType(strings.ToLower(strings.TrimSpace(string(data.PlanType))))
	data.MedicalData.BloodType = strings.ToUpper(strings.TrimSpace(data.MedicalData.BloodType))
	now := s.now()
	if err := data.Validate(now); err != nil {
		return nil, err
	}

	uniqueURL := strings.ReplaceAll(uuid.NewString(), "-", "")
	logger := s.logger.With("profile_id", uniqueURL, "plan", data.PlanType)

	profile := &domain.Profile{
		ProfileData: data,
		ID:          uniqueURL,
		UniqueURL:   uniqueURL,
		Status:      domain.ProfilePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePendingProfile(ctx, profile); err != nil {
		return nil, domain.Transient("create pending profile", err)
	}

	payment, err := domain.NewPayment(domain.NewPaymentParams{
		Amount:            data.PlanType.Price(),
		Currency:          domain.DefaultCurrency,
		Payer:             domain.Payer{Email: data.PersonalData.Email, Name: data.PersonalData.Name},
		PlanType:          data.PlanType,
		ExternalReference: uniqueURL,
		DeviceID:          req.DeviceID,
		Now:               now,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, domain.Transient("create payment", err)
	}

	preference, err := s.provider.CreatePreference(ctx, s.preferenceFor(data, uniqueURL, req.DeviceID), uniqueURL)
	if err != nil {
		logger.Error("failed to create checkout preference", "error", err)
		return nil, classify("create checkout preference", err)
	}

	if err := s.store.UpdateProfilePaymentStatus(ctx, uniqueURL, domain.ProfilePaymentPending, "pending"); err != nil {
		logger.Warn("failed to move profile to payment pending", "error", err)
	}
	s.enqueueWelcome(ctx, logger, data, uniqueURL)

	logger.Info("checkout created", "preference_id", preference.ID)
	return &CheckoutResult{
		UniqueURL:        uniqueURL,
		PreferenceID:     preference.ID,
		InitPoint:        preference.InitPoint,
		SandboxInitPoint: preference.SandboxInitPoint,
		Amount:           payment.Amount,
	}, nil
}

func (s *CheckoutService) checkRateLimit(ctx context.Context, clientIP string) error {
	if s.limiter == nil || s.ratePerMinute <= 0 || clientIP == "" {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, checkoutRateScope, clientIP, s.ratePerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("checkout rate limiter unavailable", "error", err)
		return nil
	}
	if count > s.ratePerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *CheckoutService) preferenceFor(data domain.ProfileData, uniqueURL, deviceID string) mercadopago.PreferenceRequest {
	metadata := map[string]string{
		"plan_type":  string(data.PlanType),
		"profile_id": uniqueURL,
	}
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		metadata["device_id"] = deviceID
	}
	return mercadopago.PreferenceRequest{
		Items: []mercadopago.PreferenceItem{{
			ID:          string(data.PlanType),
			Title:       data.PlanType.Title(),
			Description: "Perfil de emergência SOS Moto com QR Code",
			Quantity:    1,
			UnitPrice:   float64(data.PlanType.Price()) / 100,
			CurrencyID:  domain.DefaultCurrency,
		}},
		Payer:             mercadopago.PreferencePayer{Name: data.PersonalData.Name, Email: data.PersonalData.Email},
		ExternalReference: uniqueURL,
		NotificationURL:   s.publicBaseURL + "/webhook",
		BackURLs: mercadopago.BackURLs{
			Success: s.publicBaseURL + "/success?id=" + uniqueURL,
			Failure: s.publicBaseURL + "/failure?id=" + uniqueURL,
			Pending: s.publicBaseURL + "/pending?id=" + uniqueURL,
		},
		AutoReturn:          "approved",
		StatementDescriptor: "SOSMOTO",
		Metadata:            metadata,
	}
}

func (s *CheckoutService) enqueueWelcome(ctx context.Context, logger *slog.Logger, data domain.ProfileData, uniqueURL string) {
	if s.jobs == nil {
		return
	}
	job, err := domain.NewJob(uuid.NewString(), domain.JobSendEmail, uuid.NewString(), "email:welcome:"+uniqueURL, s.maxRetries, domain.SendEmailPayload{
		Template:     domain.TemplateWelcome,
		Recipient:    data.PersonalData.Email,
		TemplateData: map[string]string{"name": data.PersonalData.Name, "profile_id": uniqueURL},
		ProfileID:    uniqueURL,
	})
	if err != nil {
		logger.Warn("failed to build welcome email job", "error", err)
		return
	}
	if _, err := s.jobs.Enqueue(ctx, job, queue.PublishOptions{}); err != nil {
		logger.Warn("failed to enqueue welcome email", "error", err)
	}
}

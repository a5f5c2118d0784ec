package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/logging"
	"github.com/sosmoto/sosmoto-service/internal/queue"
	"github.com/sosmoto/sosmoto-service/pkg/mailer"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-secret"

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type providerStub struct {
	mu          sync.Mutex
	payments    map[string]*mercadopago.Payment
	err         error
	preferences []mercadopago.PreferenceRequest
	keys        []string
	prefErr     error
}

func newProviderStub() *providerStub {
	return &providerStub{payments: make(map[string]*mercadopago.Payment)}
}

func (s *providerStub) GetPayment(ctx context.Context, paymentID string) (*mercadopago.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, &mercadopago.APIError{StatusCode: 404, Code: "not_found"}
	}
	return p, nil
}

func (s *providerStub) CreatePreference(ctx context.Context, pref mercadopago.PreferenceRequest, idempotencyKey string) (*mercadopago.PreferenceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefErr != nil {
		return nil, s.prefErr
	}
	s.preferences = append(s.preferences, pref)
	s.keys = append(s.keys, idempotencyKey)
	return &mercadopago.PreferenceResponse{ID: "pref-1", InitPoint: "https://mp.example/checkout/pref-1"}, nil
}

func providerPayment(id, status, reference string) *mercadopago.Payment {
	return &mercadopago.Payment{
		ID:                json.Number(id),
		Status:            status,
		PaymentMethodID:   "pix",
		TransactionAmount: 55,
		CurrencyID:        "BRL",
		ExternalReference: reference,
		DateCreated:       "2026-10-15T11:00:00.000-03:00",
		DateApproved:      "2026-10-15T11:01:00.000-03:00",
		Payer:             mercadopago.PaymentPayer{Email: "ana@example.com", FirstName: "Ana"},
		Metadata:          map[string]any{"device_id": "dev-1", "plan_type": "basic"},
	}
}

type enqueuerStub struct {
	mu   sync.Mutex
	jobs []domain.Job
	opts []queue.PublishOptions
	err  error
}

func (s *enqueuerStub) Enqueue(ctx context.Context, job domain.Job, opts queue.PublishOptions) (queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.jobs = append(s.jobs, job)
	s.opts = append(s.opts, opts)
	return queue.DeliveryPublished, nil
}

func (s *enqueuerStub) byType(jobType domain.JobType) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

type publisherStub struct {
	mu        sync.Mutex
	err       error
	endpoints []string
	jobs      []domain.Job
}

func (s *publisherStub) Publish(ctx context.Context, endpoint string, job domain.Job, opts queue.PublishOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.endpoints = append(s.endpoints, endpoint)
	s.jobs = append(s.jobs, job)
	return nil
}

type objectStoreStub struct {
	mu   sync.Mutex
	puts map[string]int
	err  error
}

func newObjectStoreStub() *objectStoreStub {
	return &objectStoreStub{puts: make(map[string]int)}
}

func (s *objectStoreStub) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.puts[key]++
	return "https://cdn.example/" + key, nil
}

type profileCacheStub struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
	getErr   error
	setErr   error
	gets     int
}

func newProfileCacheStub() *profileCacheStub {
	return &profileCacheStub{profiles: make(map[string]*domain.Profile)}
}

func (s *profileCacheStub) GetProfile(ctx context.Context, id string) (*domain.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	p, ok := s.profiles[id]
	return p, ok, nil
}

func (s *profileCacheStub) SetProfile(ctx context.Context, p *domain.Profile, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.profiles[p.ID] = p
	return nil
}

type claimsStub struct {
	mu       sync.Mutex
	claimed  map[string]bool
	err      error
	released []string
}

func newClaimsStub() *claimsStub {
	return &claimsStub{claimed: make(map[string]bool)}
}

func (s *claimsStub) ClaimEmail(ctx context.Context, dedupKey string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.claimed[dedupKey] {
		return false, nil
	}
	s.claimed[dedupKey] = true
	return true, nil
}

func (s *claimsStub) ReleaseEmail(ctx context.Context, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, dedupKey)
	s.released = append(s.released, dedupKey)
	return nil
}

type mailerStub struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (s *mailerStub) Send(ctx context.Context, msg mailer.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "ses-1", nil
}

func validProfileData() domain.ProfileData {
	return domain.ProfileData{
		PersonalData: domain.PersonalData{
			Name:      "Ana Souza",
			Email:     "ana@example.com",
			Phone:     "(11) 98888-7777",
			BirthDate: "1990-05-10",
		},
		MedicalData: domain.MedicalData{BloodType: "O+", Allergies: []string{"penicilina"}},
		EmergencyContacts: []domain.EmergencyContact{
			{Name: "Carlos", Phone: "11 97777-6666", Relationship: "irmão", IsPrimary: true},
		},
		PlanType: domain.PlanBasic,
	}
}

func pendingProfile(id string) *domain.Profile {
	return &domain.Profile{
		ProfileData: validProfileData(),
		ID:          id,
		UniqueURL:   id,
		Status:      domain.ProfilePending,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func finalizeJob(t *testing.T, paymentID, reference string, data *domain.ProfileData) domain.Job {
	t.Helper()
	job, err := domain.NewJob("job-"+paymentID, domain.JobFinalizePayment, "corr-1", FinalizeDedupKey(paymentID), 3, domain.FinalizePaymentPayload{
		PaymentID:         paymentID,
		ExternalReference: reference,
		PayerEmail:        "ana@example.com",
		Amount:            5500,
		ProfileData:       data,
	})
	require.NoError(t, err)
	return job
}

var errBoom = errors.New("boom")

var testLogger = logging.Discard()

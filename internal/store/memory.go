package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sosmoto/sosmoto-service/internal/domain"
)

// MemoryStore is an in-process Repository. It backs local runs without a
// DATABASE_URL and the package tests; the guarantees match the PostgreSQL
// repository, with a single mutex standing in for row locks.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	payments map[string]*domain.Payment // keyed by internal id
	events   []domain.PaymentEvent
	profiles map[string]*domain.Profile
	reviews  []domain.ManualReview
	outbox   []*memoryOutboxRow
	outboxID int64
}

type memoryOutboxRow struct {
	job           domain.OutboxJob
	status        string
	nextAttemptAt time.Time
	startedAt     time.Time
	lastError     string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		payments: make(map[string]*domain.Payment),
		profiles: make(map[string]*domain.Profile),
	}
}

var _ Repository = (*MemoryStore)(nil)

func (s *MemoryStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID.String()]; ok {
		return ErrPaymentExists
	}
	if p.ExternalID != "" {
		if _, ok := s.findByExternalIDLocked(p.ExternalID); ok {
			return ErrPaymentExists
		}
	}
	s.payments[p.ID.String()] = clonePayment(p)
	return nil
}

func (s *MemoryStore) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.findByExternalIDLocked(externalID)
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) GetPaymentByReference(ctx context.Context, externalReference string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Payment
	for _, p := range s.payments {
		if p.DeletedAt != nil || p.ExternalReference != externalReference {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(latest), nil
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.payments[p.ID.String()]
	if !ok {
		return ErrPaymentNotFound
	}
	if current.Status != expected {
		return ErrConcurrentUpdate
	}
	if p.ExternalID != "" && p.ExternalID != current.ExternalID {
		if other, exists := s.findByExternalIDLocked(p.ExternalID); exists && other.ID != p.ID {
			return ErrPaymentExists
		}
	}
	updated := clonePayment(p)
	updated.CreatedAt = current.CreatedAt
	s.payments[p.ID.String()] = updated
	return nil
}

func (s *MemoryStore) LinkPaymentToProfile(ctx context.Context, externalID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.findByExternalIDLocked(externalID)
	if !ok {
		return ErrPaymentNotFound
	}
	if err := p.LinkProfile(profileID); err != nil {
		return err
	}
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListApprovedWithoutActiveProfile(ctx context.Context, approvedBefore time.Time, limit int) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Payment, 0)
	for _, p := range s.payments {
		if p.DeletedAt != nil || p.Status != domain.PaymentApproved || p.ApprovedAt == nil {
			continue
		}
		if !p.ApprovedAt.Before(approvedBefore) {
			continue
		}
		if profile, ok := s.profiles[p.ExternalReference]; ok {
			if profile.Status == domain.ProfileActive || profile.Status == domain.ProfileInactive || profile.Status == domain.ProfileProcessingFailed {
				continue
			}
		}
		out = append(out, *clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovedAt.Before(*out[j].ApprovedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) findByExternalIDLocked(externalID string) (*domain.Payment, bool) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, false
	}
	for _, p := range s.payments {
		if p.ExternalID == externalID {
			return p, true
		}
	}
	return nil, false
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event domain.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.EventData = append(json.RawMessage(nil), event.EventData...)
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, paymentID string) ([]domain.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PaymentEvent, 0)
	for _, e := range s.events {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePendingProfile(ctx context.Context, p *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[p.ID]; ok {
		return ErrProfileExists
	}
	s.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return cloneProfile(p), nil
}

func (s *MemoryStore) UpdateProfilePaymentStatus(ctx context.Context, id string, status domain.ProfileStatus, paymentStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	p.PaymentStatus = paymentStatus
	if p.Status != status && domain.CanTransitionProfile(p.Status, status) {
		p.Status = status
	}
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpsertApprovedProfile(ctx context.Context, p *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.profiles[p.ID]
	if !ok {
		created := cloneProfile(p)
		created.Status = domain.ProfilePaymentApproved
		if created.CreatedAt.IsZero() {
			created.CreatedAt = now
		}
		created.UpdatedAt = now
		s.profiles[p.ID] = created
		return nil
	}
	if existing.Status == domain.ProfileActive || existing.Status == domain.ProfileInactive {
		return nil
	}
	if existing.Status != domain.ProfilePaymentApproved && !domain.CanTransitionProfile(existing.Status, domain.ProfilePaymentApproved) {
		return ErrProfileTransition
	}

	updated := cloneProfile(p)
	updated.Status = domain.ProfilePaymentApproved
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = now
	updated.FailureReason = ""
	if existing.QRCodeURL != "" {
		updated.QRCodeURL = existing.QRCodeURL
	}
	if existing.MemorialURL != "" {
		updated.MemorialURL = existing.MemorialURL
	}
	if updated.PaymentStatus == "" {
		updated.PaymentStatus = existing.PaymentStatus
	}
	s.profiles[p.ID] = updated
	return nil
}

func (s *MemoryStore) ActivateProfile(ctx context.Context, id, qrCodeURL, memorialURL string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return false, ErrProfileNotFound
	}
	if p.Status == domain.ProfileActive {
		return false, nil
	}
	if p.Status != domain.ProfilePaymentApproved {
		return false, ErrProfileTransition
	}
	if p.QRCodeURL == "" {
		p.QRCodeURL = qrCodeURL
	}
	if p.MemorialURL == "" {
		p.MemorialURL = memorialURL
	}
	p.Status = domain.ProfileActive
	p.ActivatedAt = &at
	p.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) UpsertFailedProfile(ctx context.Context, p *domain.Profile, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.profiles[p.ID]
	if !ok {
		created := cloneProfile(p)
		if created.UniqueURL == "" {
			created.UniqueURL = created.ID
		}
		created.Status = domain.ProfileProcessingFailed
		created.FailureReason = reason
		if created.CreatedAt.IsZero() {
			created.CreatedAt = now
		}
		created.UpdatedAt = now
		s.profiles[p.ID] = created
		return nil
	}
	if existing.Status == domain.ProfileActive || existing.Status == domain.ProfileInactive {
		return ErrProfileTransition
	}
	existing.Status = domain.ProfileProcessingFailed
	existing.FailureReason = reason
	existing.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateManualReview(ctx context.Context, review domain.ManualReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = s.now()
	}
	s.reviews = append(s.reviews, review)
	return nil
}

func (s *MemoryStore) ListOpenManualReviews(ctx context.Context, limit int) ([]domain.ManualReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ManualReview, 0)
	for _, r := range s.reviews {
		if r.ResolvedAt == nil {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) EnqueueOutbox(ctx context.Context, endpoint string, job domain.Job, delaySeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outboxID++
	s.outbox = append(s.outbox, &memoryOutboxRow{
		job: domain.OutboxJob{
			ID:           s.outboxID,
			Endpoint:     endpoint,
			Job:          job,
			DelaySeconds: delaySeconds,
		},
		status:        "pending",
		nextAttemptAt: s.now(),
	})
	return nil
}

func (s *MemoryStore) ClaimOutbox(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]domain.OutboxJob, 0)
	for _, row := range s.outbox {
		if limit > 0 && len(claimed) == limit {
			break
		}
		ready := row.status == "pending" && !row.nextAttemptAt.After(now)
		abandoned := row.status == "processing" && row.startedAt.Before(stale)
		if !ready && !abandoned {
			continue
		}
		row.status = "processing"
		row.startedAt = now
		row.job.Attempts++
		claimed = append(claimed, row.job)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.outbox {
		if row.job.ID == id {
			row.status = "published"
			row.lastError = ""
		}
	}
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	for _, row := range s.outbox {
		if row.job.ID == id {
			row.status = "pending"
			row.nextAttemptAt = s.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			row.lastError = reason
		}
	}
	return nil
}

// PendingOutbox counts rows not yet published.
func (s *MemoryStore) PendingOutbox() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, row := range s.outbox {
		if row.status != "published" {
			n++
		}
	}
	return n
}

func clonePayment(p *domain.Payment) *domain.Payment {
	c := *p
	c.Refunds = append([]domain.Refund{}, p.Refunds...)
	c.Fees = append([]domain.Fee{}, p.Fees...)
	if p.ProfileID != nil {
		id := *p.ProfileID
		c.ProfileID = &id
	}
	return &c
}

func cloneProfile(p *domain.Profile) *domain.Profile {
	c := *p
	c.EmergencyContacts = append([]domain.EmergencyContact{}, p.EmergencyContacts...)
	c.MedicalData.Allergies = append([]string{}, p.MedicalData.Allergies...)
	c.MedicalData.Medications = append([]string{}, p.MedicalData.Medications...)
	c.MedicalData.Conditions = append([]string{}, p.MedicalData.Conditions...)
	if p.VehicleData != nil {
		v := *p.VehicleData
		c.VehicleData = &v
	}
	if p.PaymentID != nil {
		id := *p.PaymentID
		c.PaymentID = &id
	}
	return &c
}

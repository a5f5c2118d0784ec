/**
 * @description
 * PostgreSQL implementation of Repository. Every state-changing query is a
 * single conditional statement, so concurrent webhook and finalization
 * workers never need an application-side lock.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: driver, pool and error codes.
 * - internal/domain: the records being persisted.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sosmoto/sosmoto-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository stores everything in one database.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// Migrate creates missing tables and indexes.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const paymentColumns = `
	id, external_id, status, method, amount, currency, payer, plan_type,
	external_reference, device_id, profile_id, refunds, fees, created_at, updated_at,
	approved_at, rejected_at, cancelled_at, refunded_at, deleted_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p                    domain.Payment
		externalID           *string
		payer, refunds, fees []byte
		status, plan         string
	)
	err := row.Scan(
		&p.ID, &externalID, &status, &p.Method, &p.Amount, &p.Currency, &payer, &plan,
		&p.ExternalReference, &p.DeviceID, &p.ProfileID, &refunds, &fees, &p.CreatedAt, &p.UpdatedAt,
		&p.ApprovedAt, &p.RejectedAt, &p.CancelledAt, &p.RefundedAt, &p.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		p.ExternalID = *externalID
	}
	p.Status = domain.PaymentStatus(status)
	p.PlanType = domain.PlanType(plan)
	if err := json.Unmarshal(payer, &p.Payer); err != nil {
		return nil, fmt.Errorf("decode payer for payment %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(refunds, &p.Refunds); err != nil {
		return nil, fmt.Errorf("decode refunds for payment %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(fees, &p.Fees); err != nil {
		return nil, fmt.Errorf("decode fees for payment %s: %w", p.ID, err)
	}
	return &p, nil
}

func paymentDocuments(p *domain.Payment) (payer, refunds, fees string, err error) {
	refundList := p.Refunds
	if refundList == nil {
		refundList = []domain.Refund{}
	}
	feeList := p.Fees
	if feeList == nil {
		feeList = []domain.Fee{}
	}
	payerBlob, err := json.Marshal(p.Payer)
	if err != nil {
		return "", "", "", err
	}
	refundBlob, err := json.Marshal(refundList)
	if err != nil {
		return "", "", "", err
	}
	feeBlob, err := json.Marshal(feeList)
	if err != nil {
		return "", "", "", err
	}
	return string(payerBlob), string(refundBlob), string(feeBlob), nil
}

func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	payer, refunds, fees, err := paymentDocuments(p)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO payments (
			id, external_id, status, method, amount, currency, payer, plan_type,
			external_reference, device_id, profile_id, refunds, fees, created_at, updated_at,
			approved_at, rejected_at, cancelled_at, refunded_at, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12::jsonb, $13::jsonb, $14, $15, $16, $17, $18, $19, $20)
	`,
		p.ID, nullableText(p.ExternalID), string(p.Status), p.Method, p.Amount, p.Currency, payer, string(p.PlanType),
		p.ExternalReference, p.DeviceID, p.ProfileID, refunds, fees, p.CreatedAt, p.UpdatedAt,
		p.ApprovedAt, p.RejectedAt, p.CancelledAt, p.RefundedAt, p.DeletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_id = $1`, strings.TrimSpace(externalID))
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) GetPaymentByReference(ctx context.Context, externalReference string) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE external_reference = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, externalReference)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) UpdatePayment(ctx context.Context, p *domain.Payment, expected domain.PaymentStatus) error {
	payer, refunds, fees, err := paymentDocuments(p)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payments
		SET external_id = $3, status = $4, method = $5, amount = $6, currency = $7, payer = $8::jsonb,
			plan_type = $9, external_reference = $10, device_id = $11, profile_id = $12,
			refunds = $13::jsonb, fees = $14::jsonb, updated_at = $15, approved_at = $16,
			rejected_at = $17, cancelled_at = $18, refunded_at = $19, deleted_at = $20
		WHERE id = $1 AND status = $2
	`,
		p.ID, string(expected), nullableText(p.ExternalID), string(p.Status), p.Method, p.Amount, p.Currency, payer,
		string(p.PlanType), p.ExternalReference, p.DeviceID, p.ProfileID,
		refunds, fees, p.UpdatedAt, p.ApprovedAt,
		p.RejectedAt, p.CancelledAt, p.RefundedAt, p.DeletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentExists
		}
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPaymentNotFound
	}
	return ErrConcurrentUpdate
}

func (r *PostgresRepository) LinkPaymentToProfile(ctx context.Context, externalID, profileID string) error {
	var current *string
	err := r.db.QueryRow(ctx, `
		UPDATE payments
		SET profile_id = COALESCE(profile_id, $2), updated_at = NOW()
		WHERE external_id = $1
		RETURNING profile_id
	`, strings.TrimSpace(externalID), profileID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}
		return err
	}
	if current != nil && *current != profileID {
		return &domain.InvalidStateTransition{Entity: "payment profile link", From: *current, To: profileID}
	}
	return nil
}

func (r *PostgresRepository) ListApprovedWithoutActiveProfile(ctx context.Context, approvedBefore time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+prefixed("p", paymentColumns)+`
		FROM payments p
		LEFT JOIN profiles pr ON pr.id = p.external_reference
		WHERE p.status = 'APPROVED'
			AND p.deleted_at IS NULL
			AND p.approved_at < $1
			AND (pr.id IS NULL OR pr.status NOT IN ('ACTIVE', 'INACTIVE', 'PROCESSING_FAILED'))
		ORDER BY p.approved_at
		LIMIT $2
	`, approvedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) AppendEvent(ctx context.Context, event domain.PaymentEvent) error {
	data := string(event.EventData)
	if data == "" {
		data = "{}"
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_events (id, payment_id, event_type, event_data, correlation_id, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, event.ID, event.PaymentID, event.EventType, data, event.CorrelationID, event.Timestamp)
	return err
}

func (r *PostgresRepository) ListEvents(ctx context.Context, paymentID string) ([]domain.PaymentEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, payment_id, event_type, event_data::text, correlation_id, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY created_at
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.PaymentEvent, 0)
	for rows.Next() {
		var (
			e    domain.PaymentEvent
			data string
		)
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.EventType, &data, &e.CorrelationID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EventData = json.RawMessage(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

const profileColumns = `
	id, unique_url, status, payment_status, payment_id, profile_data, qr_code_url,
	memorial_url, failure_reason, created_at, updated_at, activated_at`

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	var (
		p      domain.Profile
		status string
		data   []byte
	)
	err := row.Scan(
		&p.ID, &p.UniqueURL, &status, &p.PaymentStatus, &p.PaymentID, &data, &p.QRCodeURL,
		&p.MemorialURL, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.ActivatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ProfileStatus(status)
	if err := json.Unmarshal(data, &p.ProfileData); err != nil {
		return nil, fmt.Errorf("decode profile data for %s: %w", p.ID, err)
	}
	return &p, nil
}

func (r *PostgresRepository) CreatePendingProfile(ctx context.Context, p *domain.Profile) error {
	data, err := json.Marshal(p.ProfileData)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO profiles (id, unique_url, status, payment_status, payment_id, profile_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7)
	`, p.ID, p.UniqueURL, string(p.Status), p.PaymentStatus, p.PaymentID, string(data), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProfileExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) UpdateProfilePaymentStatus(ctx context.Context, id string, status domain.ProfileStatus, paymentStatus string) error {
	allowedFrom := statusesMovableTo(status)
	tag, err := r.db.Exec(ctx, `
		UPDATE profiles
		SET payment_status = $3,
			status = CASE WHEN status = ANY($4) THEN $2 ELSE status END,
			updated_at = NOW()
		WHERE id = $1
	`, id, string(status), paymentStatus, allowedFrom)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (r *PostgresRepository) UpsertApprovedProfile(ctx context.Context, p *domain.Profile) error {
	data, err := json.Marshal(p.ProfileData)
	if err != nil {
		return err
	}
	uniqueURL := p.UniqueURL
	if uniqueURL == "" {
		uniqueURL = p.ID
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO profiles (id, unique_url, status, payment_status, payment_id, profile_data, created_at, updated_at)
		VALUES ($1, $2, 'PAYMENT_APPROVED', $3, $4, $5::jsonb, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'PAYMENT_APPROVED',
			payment_status = COALESCE(NULLIF(EXCLUDED.payment_status, ''), profiles.payment_status),
			payment_id = EXCLUDED.payment_id,
			profile_data = EXCLUDED.profile_data,
			failure_reason = '',
			updated_at = NOW()
		WHERE profiles.status NOT IN ('ACTIVE', 'INACTIVE')
	`, p.ID, uniqueURL, p.PaymentStatus, p.PaymentID, string(data))
	return err
}

func (r *PostgresRepository) ActivateProfile(ctx context.Context, id, qrCodeURL, memorialURL string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE profiles
		SET status = 'ACTIVE',
			qr_code_url = CASE WHEN qr_code_url = '' THEN $2 ELSE qr_code_url END,
			memorial_url = CASE WHEN memorial_url = '' THEN $3 ELSE memorial_url END,
			activated_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = 'PAYMENT_APPROVED'
	`, id, qrCodeURL, memorialURL, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var status string
	if err := r.db.QueryRow(ctx, `SELECT status FROM profiles WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrProfileNotFound
		}
		return false, err
	}
	if domain.ProfileStatus(status) == domain.ProfileActive {
		return false, nil
	}
	return false, ErrProfileTransition
}

func (r *PostgresRepository) UpsertFailedProfile(ctx context.Context, p *domain.Profile, reason string) error {
	data, err := json.Marshal(p.ProfileData)
	if err != nil {
		return err
	}
	uniqueURL := p.UniqueURL
	if uniqueURL == "" {
		uniqueURL = p.ID
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO profiles (id, unique_url, status, payment_status, payment_id, profile_data, failure_reason, created_at, updated_at)
		VALUES ($1, $2, 'PROCESSING_FAILED', $3, $4, $5::jsonb, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'PROCESSING_FAILED',
			failure_reason = EXCLUDED.failure_reason,
			updated_at = NOW()
		WHERE profiles.status NOT IN ('ACTIVE', 'INACTIVE')
	`, p.ID, uniqueURL, p.PaymentStatus, p.PaymentID, string(data), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileTransition
	}
	return nil
}

func (r *PostgresRepository) CreateManualReview(ctx context.Context, review domain.ManualReview) error {
	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	payload := string(review.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO manual_reviews (id, job_id, job_type, payload, reason, error_kind, retry_count, correlation_id, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
	`, review.ID, review.JobID, string(review.JobType), payload, review.Reason, string(review.ErrorKind),
		review.RetryCount, review.CorrelationID, review.CreatedAt)
	return err
}

func (r *PostgresRepository) ListOpenManualReviews(ctx context.Context, limit int) ([]domain.ManualReview, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id::text, job_id, job_type, payload::text, reason, error_kind, retry_count, correlation_id, created_at, resolved_at
		FROM manual_reviews
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reviews := make([]domain.ManualReview, 0)
	for rows.Next() {
		var (
			rv            domain.ManualReview
			jobType, kind string
			payload       string
		)
		if err := rows.Scan(&rv.ID, &rv.JobID, &jobType, &payload, &rv.Reason, &kind, &rv.RetryCount,
			&rv.CorrelationID, &rv.CreatedAt, &rv.ResolvedAt); err != nil {
			return nil, err
		}
		rv.JobType = domain.JobType(jobType)
		rv.ErrorKind = domain.ErrorKind(kind)
		rv.Payload = json.RawMessage(payload)
		reviews = append(reviews, rv)
	}
	return reviews, rows.Err()
}

func (r *PostgresRepository) EnqueueOutbox(ctx context.Context, endpoint string, job domain.Job, delaySeconds int) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO job_outbox (endpoint, job, delay_seconds)
		VALUES ($1, $2::jsonb, $3)
	`, strings.TrimSpace(endpoint), string(blob), delaySeconds)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ClaimOutbox(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxJob, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM job_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.endpoint, o.job::text, o.delay_seconds, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.OutboxJob, 0, limit)
	for rows.Next() {
		var (
			j       domain.OutboxJob
			jobText string
		)
		if err := rows.Scan(&j.ID, &j.Endpoint, &jobText, &j.DelaySeconds, &j.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(jobText), &j.Job); err != nil {
			return nil, fmt.Errorf("decode outbox job %d: %w", j.ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE job_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE job_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

var allProfileStatuses = []domain.ProfileStatus{
	domain.ProfilePending,
	domain.ProfilePaymentPending,
	domain.ProfilePaymentApproved,
	domain.ProfileActive,
	domain.ProfileInactive,
	domain.ProfileProcessingFailed,
}

// statusesMovableTo lists the profile statuses that may move to status. It
// feeds the ANY($n) guard of status updates.
func statusesMovableTo(status domain.ProfileStatus) []string {
	allowedFrom := make([]string, 0)
	for _, from := range allProfileStatuses {
		if domain.CanTransitionProfile(from, status) {
			allowedFrom = append(allowedFrom, string(from))
		}
	}
	return allowedFrom
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableText(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

// prefixed qualifies each column in a column list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType names a kind of asynchronous work.
type JobType string

const (
	JobFinalizePayment JobType = "finalize_payment"
	JobSendEmail       JobType = "send_email"
)

// Queue endpoint names. The HTTP transport appends them to the callback base
// URL and RabbitMQ uses them as routing keys.
const (
	EndpointFinalizePayment = "finalize-payment"
	EndpointSendEmail       = "send-email"
)

// DefaultMaxRetries is used when a job does not carry its own limit.
const DefaultMaxRetries = 3

// Endpoint returns the queue endpoint that handles t.
func (t JobType) Endpoint() string {
	switch t {
	case JobFinalizePayment:
		return EndpointFinalizePayment
	case JobSendEmail:
		return EndpointSendEmail
	default:
		return string(t)
	}
}

// JobTypeForEndpoint resolves the job type an endpoint serves.
func JobTypeForEndpoint(endpoint string) (JobType, bool) {
	switch endpoint {
	case EndpointFinalizePayment:
		return JobFinalizePayment, true
	case EndpointSendEmail:
		return JobSendEmail, true
	default:
		return "", false
	}
}

// Job is the envelope published to the queue.
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"job_type"`
	CorrelationID string          `json:"correlation_id"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	ReceivedAt    time.Time       `json:"received_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewJob wraps payload in an envelope.
func NewJob(id string, jobType JobType, correlationID, dedupKey string, maxRetries int, payload any) (Job, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return Job{
		ID:            id,
		Type:          jobType,
		CorrelationID: correlationID,
		DedupKey:      dedupKey,
		MaxRetries:    maxRetries,
		ReceivedAt:    time.Now().UTC(),
		Payload:       blob,
	}, nil
}

// Exhausted reports whether no retry is left.
func (j Job) Exhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// NextAttempt returns a copy scheduled as the following retry, clamped so
// RetryCount never exceeds MaxRetries.
func (j Job) NextAttempt() Job {
	next := j
	if next.RetryCount < next.MaxRetries {
		next.RetryCount++
	}
	return next
}

// DecodePayload unmarshals the payload into dst.
func (j Job) DecodePayload(dst any) error {
	if len(j.Payload) == 0 {
		return Invalid("decode job payload", fmt.Errorf("job %s has an empty payload", j.ID))
	}
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return Invalid("decode job payload", err)
	}
	return nil
}

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// RetryBackoff is the delay before attempt number n (1-based): 2s, 4s, 8s...
// capped at five minutes.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		return retryBaseDelay
	}
	shift := attempt - 1
	if shift > 8 {
		shift = 8
	}
	delay := retryBaseDelay << shift
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// FinalizePaymentPayload is published by the webhook for approved payments.
type FinalizePaymentPayload struct {
	PaymentID         string       `json:"payment_id"`
	ExternalReference string       `json:"external_reference"`
	PayerEmail        string       `json:"payer_email,omitempty"`
	Amount            int64        `json:"amount,omitempty"`
	ProfileData       *ProfileData `json:"profile_data,omitempty"`
}

// EmailTemplate selects a notification template.
type EmailTemplate string

const (
	TemplateConfirmation EmailTemplate = "confirmation"
	TemplateFailure      EmailTemplate = "failure"
	TemplateWelcome      EmailTemplate = "welcome"
	TemplateReminder     EmailTemplate = "reminder"
)

// SendEmailPayload is the email job body.
type SendEmailPayload struct {
	Template     EmailTemplate     `json:"template"`
	Recipient    string            `json:"recipient"`
	TemplateData map[string]string `json:"template_data"`
	PaymentID    string            `json:"payment_id,omitempty"`
	ProfileID    string            `json:"profile_id,omitempty"`
}

// ManualReview is a job parked for a human after a terminal failure or
// exhausted retries.
type ManualReview struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	JobType       JobType         `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
	ErrorKind     ErrorKind       `json:"error_kind"`
	RetryCount    int             `json:"retry_count"`
	CorrelationID string          `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// OutboxJob is a publish that failed and waits to be retried.
type OutboxJob struct {
	ID           int64
	Endpoint     string
	Job          Job
	DelaySeconds int
	Attempts     int
}

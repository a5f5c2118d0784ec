package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payment event types written to the append-only log.
const (
	EventPaymentProcessed  = "payment_processed"
	EventPaymentLinked     = "payment_linked"
	EventProfileActivated  = "profile_activated"
	EventFinalizationError = "finalization_failed"
	EventStateConflict     = "state_conflict"
)

// PaymentEvent is an immutable audit record keyed by provider payment id.
type PaymentEvent struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     string          `json:"payment_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// NewPaymentEvent builds an event, marshalling data as JSON.
func NewPaymentEvent(paymentID, eventType, correlationID string, data any) (PaymentEvent, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return PaymentEvent{}, err
	}
	return PaymentEvent{
		ID:            uuid.New(),
		PaymentID:     paymentID,
		EventType:     eventType,
		EventData:     blob,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// ProviderPayment is the validated view of a provider payment record. Nothing
// past the provider client sees the raw response.
type ProviderPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	Method            string
	Amount            int64
	Currency          string
	Payer             Payer
	ExternalReference string
	DeviceID          string
	PlanType          PlanType
	Fees              []Fee
	DateCreated       time.Time
	DateApproved      *time.Time
}

// IsApproved reports whether the provider considers the payment approved.
func (p ProviderPayment) IsApproved() bool {
	status, ok := PaymentStatusFromProvider(p.Status)
	return ok && status == PaymentApproved
}

// HasDeviceID reports whether the fraud-signal token was collected.
func (p ProviderPayment) HasDeviceID() bool {
	return p.DeviceID != ""
}

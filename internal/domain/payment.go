/**
 * @description
 * Payment is the record of one transaction attempt with the payment provider.
 * It is a small state machine: every status change goes through a named
 * transition method which checks the allowed graph and stamps the matching
 * timestamp. Refunds and fees are tracked alongside so the net amount can
 * always be derived.
 *
 * @notes
 * - Amounts are integer cents (centavos) to avoid floating point rounding.
 * - Payments are never deleted; DeletedAt soft-marks them.
 */

package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "PENDING"
	PaymentProcessing  PaymentStatus = "PROCESSING"
	PaymentAuthorized  PaymentStatus = "AUTHORIZED"
	PaymentInProcess   PaymentStatus = "IN_PROCESS"
	PaymentInMediation PaymentStatus = "IN_MEDIATION"
	PaymentApproved    PaymentStatus = "APPROVED"
	PaymentRejected    PaymentStatus = "REJECTED"
	PaymentCancelled   PaymentStatus = "CANCELLED"
	PaymentRefunded    PaymentStatus = "REFUNDED"
	PaymentChargedBack PaymentStatus = "CHARGED_BACK"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:     {PaymentProcessing, PaymentAuthorized, PaymentApproved, PaymentRejected, PaymentCancelled},
	PaymentProcessing:  {PaymentApproved, PaymentRejected, PaymentCancelled, PaymentInProcess, PaymentInMediation},
	PaymentAuthorized:  {PaymentApproved, PaymentCancelled},
	PaymentInProcess:   {PaymentApproved, PaymentRejected, PaymentInMediation},
	PaymentInMediation: {PaymentApproved, PaymentRejected},
	PaymentApproved:    {PaymentRefunded, PaymentChargedBack},
}

// AllPaymentStatuses lists every known status.
var AllPaymentStatuses = []PaymentStatus{
	PaymentPending, PaymentProcessing, PaymentAuthorized, PaymentInProcess, PaymentInMediation,
	PaymentApproved, PaymentRejected, PaymentCancelled, PaymentRefunded, PaymentChargedBack,
}

// CanTransition reports whether from -> to is on the allowed graph.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s PaymentStatus) IsTerminal() bool {
	return len(paymentTransitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	for _, known := range AllPaymentStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// PaymentStatusFromProvider maps a provider status string onto the state machine.
func PaymentStatusFromProvider(raw string) (PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return PaymentPending, true
	case "processing":
		return PaymentProcessing, true
	case "authorized":
		return PaymentAuthorized, true
	case "in_process":
		return PaymentInProcess, true
	case "in_mediation":
		return PaymentInMediation, true
	case "approved":
		return PaymentApproved, true
	case "rejected":
		return PaymentRejected, true
	case "cancelled", "canceled":
		return PaymentCancelled, true
	case "refunded":
		return PaymentRefunded, true
	case "charged_back":
		return PaymentChargedBack, true
	default:
		return "", false
	}
}

// InvalidStateTransition is returned for any move off the allowed graph.
type InvalidStateTransition struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid %s state transition from %s to %s", e.Entity, e.From, e.To)
}

var (
	ErrRefundNotAllowed   = errors.New("refund requires an approved payment")
	ErrRefundExceedsTotal = errors.New("refund would exceed payment amount")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrReferenceImmutable = errors.New("external reference is already set")
)

// Payer identifies who paid.
type Payer struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	Identification string `json:"identification,omitempty"`
}

// Refund is one refund applied to an approved payment.
type Refund struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fee is a provider or platform fee charged on the payment.
type Fee struct {
	Type   string `json:"type"`
	Amount int64  `json:"amount"`
	Payer  string `json:"payer,omitempty"`
}

// Payment represents one transaction attempt. Mutate it only via its methods.
type Payment struct {
	ID                uuid.UUID     `json:"id"`
	ExternalID        string        `json:"external_id"`
	Status            PaymentStatus `json:"status"`
	Method            string        `json:"method,omitempty"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Payer             Payer         `json:"payer"`
	PlanType          PlanType      `json:"plan_type"`
	ExternalReference string        `json:"external_reference"`
	DeviceID          string        `json:"device_id,omitempty"`
	ProfileID         *string       `json:"profile_id,omitempty"`
	Refunds           []Refund      `json:"refunds"`
	Fees              []Fee         `json:"fees"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ApprovedAt        *time.Time    `json:"approved_at,omitempty"`
	RejectedAt        *time.Time    `json:"rejected_at,omitempty"`
	CancelledAt       *time.Time    `json:"cancelled_at,omitempty"`
	RefundedAt        *time.Time    `json:"refunded_at,omitempty"`
	DeletedAt         *time.Time    `json:"deleted_at,omitempty"`
}

// NewPaymentParams carries the fields needed to open a payment.
type NewPaymentParams struct {
	ExternalID        string
	Method            string
	Amount            int64
	Currency          string
	Payer             Payer
	PlanType          PlanType
	ExternalReference string
	DeviceID          string
	Now               time.Time
}

// NewPayment opens a PENDING payment after checking its invariants.
func NewPayment(p NewPaymentParams) (*Payment, error) {
	problems := &ValidationError{}
	if p.Amount <= 0 {
		problems.add("amount", ErrInvalidAmount.Error())
	}
	if !validEmail(p.Payer.Email) {
		problems.add("payer.email", "must be a valid email address")
	}
	if !p.PlanType.Valid() {
		problems.add("plan_type", "must be basic or premium")
	}
	if err := problems.errOrNil(); err != nil {
		return nil, err
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	return &Payment{
		ID:                uuid.New(),
		ExternalID:        strings.TrimSpace(p.ExternalID),
		Status:            PaymentPending,
		Method:            p.Method,
		Amount:            p.Amount,
		Currency:          currency,
		Payer:             p.Payer,
		PlanType:          p.PlanType,
		ExternalReference: strings.TrimSpace(p.ExternalReference),
		DeviceID:          strings.TrimSpace(p.DeviceID),
		Refunds:           []Refund{},
		Fees:              []Fee{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// SetExternalReference assigns the reference once. Re-assigning the same
// value is a no-op so replays stay harmless.
func (p *Payment) SetExternalReference(ref string) error {
	ref = strings.TrimSpace(ref)
	if p.ExternalReference == "" {
		p.ExternalReference = ref
		return nil
	}
	if p.ExternalReference == ref {
		return nil
	}
	return ErrReferenceImmutable
}

// TransitionTo moves the payment to target, stamping the matching timestamp.
// Moving to the current status is rejected like any other illegal edge so
// callers must decide explicitly that a replay is a no-op.
func (p *Payment) TransitionTo(target PaymentStatus, at time.Time) error {
	if !CanTransition(p.Status, target) {
		return &InvalidStateTransition{Entity: "payment", From: string(p.Status), To: string(target)}
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p.Status = target
	p.UpdatedAt = at
	switch target {
	case PaymentApproved:
		p.ApprovedAt = &at
	case PaymentRejected:
		p.RejectedAt = &at
	case PaymentCancelled:
		p.CancelledAt = &at
	case PaymentRefunded:
		p.RefundedAt = &at
	}
	return nil
}

func (p *Payment) MarkProcessing(at time.Time) error  { return p.TransitionTo(PaymentProcessing, at) }
func (p *Payment) Authorize(at time.Time) error       { return p.TransitionTo(PaymentAuthorized, at) }
func (p *Payment) MarkInProcess(at time.Time) error   { return p.TransitionTo(PaymentInProcess, at) }
func (p *Payment) MarkInMediation(at time.Time) error { return p.TransitionTo(PaymentInMediation, at) }
func (p *Payment) Approve(at time.Time) error         { return p.TransitionTo(PaymentApproved, at) }
func (p *Payment) Reject(at time.Time) error          { return p.TransitionTo(PaymentRejected, at) }
func (p *Payment) Cancel(at time.Time) error          { return p.TransitionTo(PaymentCancelled, at) }
func (p *Payment) ChargeBack(at time.Time) error      { return p.TransitionTo(PaymentChargedBack, at) }

// RefundedTotal sums approved refunds.
func (p *Payment) RefundedTotal() int64 {
	var total int64
	for _, r := range p.Refunds {
		if r.Status == RefundApproved {
			total += r.Amount
		}
	}
	return total
}

// RefundApproved is the status of a refund that has been applied.
const RefundApproved = "approved"

// Refund applies a partial or full refund. A refund that brings the total up
// to the payment amount moves the payment to REFUNDED.
func (p *Payment) Refund(amount int64, reason string, at time.Time) (*Refund, error) {
	if p.Status != PaymentApproved {
		return nil, &InvalidStateTransition{Entity: "payment", From: string(p.Status), To: string(PaymentRefunded)}
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > p.Amount-p.RefundedTotal() {
		return nil, ErrRefundExceedsTotal
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	refund := Refund{
		ID:        uuid.NewString(),
		Amount:    amount,
		Status:    RefundApproved,
		Reason:    reason,
		CreatedAt: at,
	}
	p.Refunds = append(p.Refunds, refund)
	p.UpdatedAt = at

	if p.RefundedTotal() == p.Amount {
		if err := p.TransitionTo(PaymentRefunded, at); err != nil {
			// unreachable: APPROVED -> REFUNDED is always allowed
			p.Refunds = p.Refunds[:len(p.Refunds)-1]
			return nil, err
		}
	}
	return &refund, nil
}

// AddFee records a fee. Fees never change the status.
func (p *Payment) AddFee(fee Fee) error {
	if fee.Amount <= 0 {
		return ErrInvalidAmount
	}
	p.Fees = append(p.Fees, fee)
	return nil
}

// FeeTotal sums all fees.
func (p *Payment) FeeTotal() int64 {
	var total int64
	for _, f := range p.Fees {
		total += f.Amount
	}
	return total
}

// NetAmount is what is left after fees and approved refunds.
func (p *Payment) NetAmount() int64 {
	return p.Amount - p.FeeTotal() - p.RefundedTotal()
}

// LinkProfile records the activated profile. Linking again to the same
// profile is harmless; linking to a different one is a conflict.
func (p *Payment) LinkProfile(profileID string) error {
	if p.ProfileID != nil && *p.ProfileID != profileID {
		return &InvalidStateTransition{Entity: "payment profile link", From: *p.ProfileID, To: profileID}
	}
	p.ProfileID = &profileID
	return nil
}

// SoftDelete marks the payment as deleted without removing it.
func (p *Payment) SoftDelete(at time.Time) {
	if p.DeletedAt == nil {
		p.DeletedAt = &at
	}
}

func validEmail(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return false
	}
	return addr.Address == raw && strings.Contains(raw[strings.LastIndex(raw, "@"):], ".")
}

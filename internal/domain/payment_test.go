package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T, amount int64) *Payment {
	t.Helper()
	p, err := NewPayment(NewPaymentParams{
		ExternalID:        "123456",
		Amount:            amount,
		Payer:             Payer{Email: "rider@example.com", Name: "Rider"},
		PlanType:          PlanBasic,
		ExternalReference: "abc123",
		Now:               time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	return p
}

func TestTransitionTo_FollowsAllowedGraph(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, from := range AllPaymentStatuses {
		for _, to := range AllPaymentStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				p := newTestPayment(t, 5500)
				p.Status = from
				before := *p

				err := p.TransitionTo(to, at)
				if CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, p.Status)
					assert.Equal(t, at, p.UpdatedAt)
					return
				}

				var transition *InvalidStateTransition
				require.ErrorAs(t, err, &transition)
				assert.Equal(t, string(from), transition.From)
				assert.Equal(t, string(to), transition.To)
				assert.Equal(t, before, *p, "rejected transition must not mutate the payment")
			})
		}
	}
}

func TestTransitionTable(t *testing.T) {
	expected := map[PaymentStatus][]PaymentStatus{
		PaymentPending:     {PaymentProcessing, PaymentAuthorized, PaymentApproved, PaymentRejected, PaymentCancelled},
		PaymentProcessing:  {PaymentApproved, PaymentRejected, PaymentCancelled, PaymentInProcess, PaymentInMediation},
		PaymentAuthorized:  {PaymentApproved, PaymentCancelled},
		PaymentInProcess:   {PaymentApproved, PaymentRejected, PaymentInMediation},
		PaymentInMediation: {PaymentApproved, PaymentRejected},
		PaymentApproved:    {PaymentRefunded, PaymentChargedBack},
	}
	for _, from := range AllPaymentStatuses {
		allowed := expected[from]
		for _, to := range AllPaymentStatuses {
			assert.Equal(t, contains(allowed, to), CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, terminal := range []PaymentStatus{PaymentRejected, PaymentCancelled, PaymentRefunded, PaymentChargedBack} {
		assert.True(t, terminal.IsTerminal(), "%s should be terminal", terminal)
	}
}

func contains(list []PaymentStatus, s PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestNamedTransitionsStampTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := newTestPayment(t, 5500)
	require.NoError(t, p.MarkProcessing(at))
	require.NoError(t, p.MarkInProcess(at))
	require.NoError(t, p.Approve(at))
	require.NotNil(t, p.ApprovedAt)
	assert.Equal(t, at, *p.ApprovedAt)

	rejected := newTestPayment(t, 5500)
	require.NoError(t, rejected.Reject(at))
	require.NotNil(t, rejected.RejectedAt)
	assert.Error(t, rejected.Approve(at))

	cancelled := newTestPayment(t, 5500)
	require.NoError(t, cancelled.Cancel(at))
	require.NotNil(t, cancelled.CancelledAt)
}

func TestNewPayment_Invariants(t *testing.T) {
	_, err := NewPayment(NewPaymentParams{Amount: 0, Payer: Payer{Email: "rider@example.com"}, PlanType: PlanBasic})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = NewPayment(NewPaymentParams{Amount: 100, Payer: Payer{Email: "not-an-email"}, PlanType: PlanBasic})
	require.ErrorAs(t, err, &validation)

	p, err := NewPayment(NewPaymentParams{Amount: 100, Payer: Payer{Email: "rider@example.com"}, PlanType: PlanPremium})
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, p.Status)
	assert.Equal(t, DefaultCurrency, p.Currency)
}

func TestSetExternalReference_Immutable(t *testing.T) {
	p := newTestPayment(t, 5500)
	require.NoError(t, p.SetExternalReference("abc123"))
	assert.ErrorIs(t, p.SetExternalReference("other"), ErrReferenceImmutable)
	assert.Equal(t, "abc123", p.ExternalReference)
}

func TestRefund_RequiresApproved(t *testing.T) {
	p := newTestPayment(t, 5500)
	_, err := p.Refund(100, "", time.Time{})
	var transition *InvalidStateTransition
	require.ErrorAs(t, err, &transition)
	assert.Empty(t, p.Refunds)
}

func TestRefund_SumNeverExceedsAmount(t *testing.T) {
	p := newTestPayment(t, 5500)
	require.NoError(t, p.Approve(time.Time{}))

	requests := []int64{1000, 2000, 3000, 2500, 1, 500}
	for _, amount := range requests {
		_, err := p.Refund(amount, "partial", time.Time{})
		if err != nil {
			if !errors.Is(err, ErrRefundExceedsTotal) {
				var transition *InvalidStateTransition
				require.ErrorAs(t, err, &transition)
			}
		}
		assert.LessOrEqual(t, p.RefundedTotal(), p.Amount)
	}
	assert.Equal(t, int64(5500), p.RefundedTotal())
	assert.Equal(t, PaymentRefunded, p.Status)
	require.NotNil(t, p.RefundedAt)

	t.Run("huge amount", func(t *testing.T) {
		p := newTestPayment(t, 5500)
		require.NoError(t, p.Approve(time.Time{}))
		_, err := p.Refund(1000, "partial", time.Time{})
		require.NoError(t, err)

		_, err = p.Refund(math.MaxInt64, "overflow", time.Time{})
		assert.ErrorIs(t, err, ErrRefundExceedsTotal)
		assert.Len(t, p.Refunds, 1)
		assert.Equal(t, int64(1000), p.RefundedTotal())
		assert.Equal(t, PaymentApproved, p.Status)
	})
}

func TestRefund_FullAmountMovesToRefunded(t *testing.T) {
	p := newTestPayment(t, 8500)
	require.NoError(t, p.Approve(time.Time{}))

	refund, err := p.Refund(8500, "customer request", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(8500), refund.Amount)
	assert.Equal(t, PaymentRefunded, p.Status)

	_, err = p.Refund(1, "", time.Time{})
	assert.Error(t, err)
}

func TestFeesAndNetAmount(t *testing.T) {
	p := newTestPayment(t, 5500)
	require.NoError(t, p.AddFee(Fee{Type: "mercadopago_fee", Amount: 275}))
	assert.Error(t, p.AddFee(Fee{Type: "bad", Amount: 0}))
	require.NoError(t, p.Approve(time.Time{}))
	_, err := p.Refund(1000, "", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(275), p.FeeTotal())
	assert.Equal(t, int64(5500-275-1000), p.NetAmount())
	assert.Equal(t, PaymentApproved, p.Status)
}

func TestLinkProfile(t *testing.T) {
	p := newTestPayment(t, 5500)
	require.NoError(t, p.LinkProfile("abc123"))
	require.NoError(t, p.LinkProfile("abc123"))
	assert.Error(t, p.LinkProfile("other"))
}

func TestPaymentStatusFromProvider(t *testing.T) {
	tests := map[string]PaymentStatus{
		"approved":     PaymentApproved,
		"APPROVED":     PaymentApproved,
		"in_process":   PaymentInProcess,
		"in_mediation": PaymentInMediation,
		"rejected":     PaymentRejected,
		"cancelled":    PaymentCancelled,
		"charged_back": PaymentChargedBack,
	}
	for raw, want := range tests {
		got, ok := PaymentStatusFromProvider(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got)
	}
	_, ok := PaymentStatusFromProvider("mystery")
	assert.False(t, ok)
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryBackoff(1))
	assert.Equal(t, 4*time.Second, RetryBackoff(2))
	assert.Equal(t, 8*time.Second, RetryBackoff(3))
	assert.Equal(t, 5*time.Minute, RetryBackoff(20))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("boom")))
	assert.Equal(t, KindValidation, KindOf(&ValidationError{}))
	assert.Equal(t, KindStateConflict, KindOf(&InvalidStateTransition{}))
	assert.Equal(t, KindTransient, KindOf(Transient("op", errors.New("timeout"))))
	assert.True(t, IsTerminal(Invalid("op", errors.New("bad"))))
	assert.False(t, IsTerminal(Transient("op", errors.New("slow"))))
}

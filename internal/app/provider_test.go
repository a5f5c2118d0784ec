package app

import (
	"testing"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToProviderPayment_MapsProviderRecord(t *testing.T) {
	raw := providerPayment("123", "approved", " abc123 ")
	raw.TransactionAmount = 85.05
	raw.CurrencyID = ""
	raw.Payer.LastName = "Souza"
	raw.FeeDetails = []mercadopago.FeeDetail{{Type: "mercadopago_fee", Amount: 2.75, FeePayer: "collector"}, {Type: "zero", Amount: 0}}

	p, err := toProviderPayment(raw)
	require.NoError(t, err)
	assert.Equal(t, "123", p.ID)
	assert.Equal(t, int64(8505), p.Amount)
	assert.Equal(t, domain.DefaultCurrency, p.Currency)
	assert.Equal(t, "abc123", p.ExternalReference)
	assert.Equal(t, "Ana Souza", p.Payer.Name)
	assert.Equal(t, "dev-1", p.DeviceID)
	assert.Equal(t, domain.PlanBasic, p.PlanType)
	require.Len(t, p.Fees, 1)
	assert.Equal(t, int64(275), p.Fees[0].Amount)
	require.NotNil(t, p.DateApproved)
	assert.Equal(t, 14, p.DateApproved.Hour())
}

func TestToProviderPayment_Fallbacks(t *testing.T) {
	raw := providerPayment("124", "pending", "abc123")
	raw.Metadata = nil
	raw.AdditionalInfo = map[string]any{"device_id": "dev-extra"}
	raw.TransactionAmount = 85
	raw.PaymentMethodID = ""
	raw.PaymentTypeID = "ticket"
	raw.DateApproved = ""

	p, err := toProviderPayment(raw)
	require.NoError(t, err)
	assert.Equal(t, "dev-extra", p.DeviceID)
	assert.Equal(t, domain.PlanPremium, p.PlanType)
	assert.Equal(t, "ticket", p.Method)
	assert.Nil(t, p.DateApproved)
}

func TestToProviderPayment_RejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*mercadopago.Payment)
	}{
		{name: "unknown status", mutate: func(p *mercadopago.Payment) { p.Status = "teleported" }},
		{name: "missing id", mutate: func(p *mercadopago.Payment) { p.ID = "" }},
		{name: "zero amount", mutate: func(p *mercadopago.Payment) { p.TransactionAmount = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := providerPayment("125", "approved", "abc123")
			tt.mutate(raw)
			_, err := toProviderPayment(raw)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}

	_, err := toProviderPayment(nil)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

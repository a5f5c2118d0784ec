package app

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/pkg/mercadopago"
)

var errEmptyProviderPayment = errors.New("provider returned an empty payment")

// toProviderPayment validates a raw provider record. Nothing downstream reads
// the mercadopago types directly.
func toProviderPayment(raw *mercadopago.Payment) (domain.ProviderPayment, error) {
	if raw == nil {
		return domain.ProviderPayment{}, domain.Invalid("validate provider payment", errEmptyProviderPayment)
	}

	problems := make([]string, 0, 3)
	id := strings.TrimSpace(raw.ID.String())
	if id == "" {
		problems = append(problems, "id is missing")
	}
	if _, ok := domain.PaymentStatusFromProvider(raw.Status); !ok {
		problems = append(problems, fmt.Sprintf("status %q is unknown", raw.Status))
	}
	amount := toCents(raw.TransactionAmount)
	if amount <= 0 {
		problems = append(problems, "transaction_amount must be positive")
	}
	if len(problems) > 0 {
		return domain.ProviderPayment{}, domain.Invalid("validate provider payment", errors.New(strings.Join(problems, "; ")))
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.CurrencyID))
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	fees := make([]domain.Fee, 0, len(raw.FeeDetails))
	for _, fd := range raw.FeeDetails {
		if cents := toCents(fd.Amount); cents > 0 {
			fees = append(fees, domain.Fee{Type: fd.Type, Amount: cents, Payer: fd.FeePayer})
		}
	}

	out := domain.ProviderPayment{
		ID:                id,
		Status:            strings.ToLower(strings.TrimSpace(raw.Status)),
		StatusDetail:      raw.StatusDetail,
		Method:            firstNonEmpty(raw.PaymentMethodID, raw.PaymentTypeID),
		Amount:            amount,
		Currency:          currency,
		Payer:             providerPayer(raw.Payer),
		ExternalReference: strings.TrimSpace(raw.ExternalReference),
		DeviceID:          deviceID(raw),
		PlanType:          planType(raw, amount),
		Fees:              fees,
		DateCreated:       parseProviderTime(raw.DateCreated),
	}
	if approved := parseProviderTime(raw.DateApproved); !approved.IsZero() {
		out.DateApproved = &approved
	}
	if out.DateCreated.IsZero() {
		out.DateCreated = time.Now().UTC()
	}
	return out, nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func providerPayer(p mercadopago.PaymentPayer) domain.Payer {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	identification := ""
	if p.Identification.Number != "" {
		identification = strings.TrimSpace(p.Identification.Type + " " + p.Identification.Number)
	}
	return domain.Payer{
		Email:          strings.TrimSpace(p.Email),
		Name:           name,
		Identification: identification,
	}
}

// deviceID reads the fraud token the checkout stored in metadata, falling
// back to additional_info.
func deviceID(raw *mercadopago.Payment) string {
	if v := stringField(raw.Metadata, "device_id"); v != "" {
		return v
	}
	return stringField(raw.AdditionalInfo, "device_id")
}

func planType(raw *mercadopago.Payment, amount int64) domain.PlanType {
	if plan := domain.PlanType(strings.ToLower(stringField(raw.Metadata, "plan_type"))); plan.Valid() {
		return plan
	}
	if amount >= domain.PlanPremium.Price() {
		return domain.PlanPremium
	}
	return domain.PlanBasic
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func parseProviderTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

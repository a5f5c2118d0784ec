package domain

// PlanType is one of the two fixed plans on sale.
type PlanType string

const (
	PlanBasic   PlanType = "basic"
	PlanPremium PlanType = "premium"
)

// DefaultCurrency is the only currency the plans are priced in.
const DefaultCurrency = "BRL"

// Valid reports whether p is a known plan.
func (p PlanType) Valid() bool {
	return p == PlanBasic || p == PlanPremium
}

// Price returns the plan price in centavos.
func (p PlanType) Price() int64 {
	switch p {
	case PlanBasic:
		return 5500
	case PlanPremium:
		return 8500
	default:
		return 0
	}
}

// Title is the item title shown on the provider checkout.
func (p PlanType) Title() string {
	switch p {
	case PlanPremium:
		return "SOS Moto - Plano Premium"
	default:
		return "SOS Moto - Plano Básico"
	}
}

// Package plans holds the static plan catalog consumed by checkout creation
// and the pricing display. Plans are pure data with no failure modes beyond
// an unknown ID.
package plans

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrPlanNotFound = errors.New("plan not found")

// FreePlanID is the tier a subscription reverts to after cancellation or
// refund.
const FreePlanID = "starter"

// BillingCycle is the charge frequency selected at checkout.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

var ErrInvalidBillingCycle = errors.New("invalid billing cycle")

// ParseBillingCycle validates a caller-supplied billing cycle string.
// Empty input defaults to monthly so free-tier checkouts can omit it.
func ParseBillingCycle(s string) (BillingCycle, error) {
	switch BillingCycle(strings.ToLower(s)) {
	case CycleMonthly, CycleYearly:
		return BillingCycle(strings.ToLower(s)), nil
	case "":
		return CycleMonthly, nil
	}
	return "", ErrInvalidBillingCycle
}

// PeriodDays returns the subscription period granted by one charge.
func (c BillingCycle) PeriodDays() int {
	if c == CycleYearly {
		return 365
	}
	return 30
}

// Plan is a subscription tier with its price and feature-flag set.
// MonthlyPrice is in major currency units.
type Plan struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	MonthlyPrice   decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	WorkspaceLimit int             `json:"workspaceLimit"`
	AIIntegration  bool            `json:"aiIntegration"`
	EmailMarketing bool            `json:"emailMarketing"`
	CallChannel    bool            `json:"callChannel"`
	SMSMarketing   bool            `json:"smsMarketing"`
}

// IsFree reports whether the plan bypasses the payment processors entirely.
func (p Plan) IsFree() bool {
	return p.MonthlyPrice.IsZero()
}

// YearlyPrice applies the fixed 20% multi-month discount to twelve months,
// rounded to whole major units. Computed, never stored.
func (p Plan) YearlyPrice() decimal.Decimal {
	return p.MonthlyPrice.Mul(decimal.NewFromInt(12)).Mul(decimal.NewFromFloat(0.8)).Round(0)
}

// PriceFor returns the charge amount for the given billing cycle.
func (p Plan) PriceFor(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.YearlyPrice()
	}
	return p.MonthlyPrice
}

// Catalog is an immutable set of plans keyed by ID.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// NewCatalog builds a catalog from the given plans. Panics on duplicate IDs
// to fail fast on a misconfigured table.
func NewCatalog(list ...Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(list))}
	for _, p := range list {
		if _, dup := c.plans[p.ID]; dup {
			panic("plans: duplicate plan ID " + p.ID)
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c
}

// Get looks up a plan by ID.
func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// List returns plans in declaration order for the pricing display.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// Default returns the production plan table.
func Default() *Catalog {
	return NewCatalog(
		Plan{
			ID:             FreePlanID,
			Name:           "Starter",
			MonthlyPrice:   decimal.Zero,
			Currency:       "USD",
			WorkspaceLimit: 1,
		},
		Plan{
			ID:             "professional",
			Name:           "Professional",
			MonthlyPrice:   decimal.NewFromInt(79),
			Currency:       "USD",
			WorkspaceLimit: 5,
			AIIntegration:  true,
			EmailMarketing: true,
			CallChannel:    true,
		},
		Plan{
			ID:             "business",
			Name:           "Business",
			MonthlyPrice:   decimal.NewFromInt(149),
			Currency:       "USD",
			WorkspaceLimit: 20,
			AIIntegration:  true,
			EmailMarketing: true,
			CallChannel:    true,
			SMSMarketing:   true,
		},
	)
}

package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crmstack/billing/pkg/gateway"
	"github.com/crmstack/billing/pkg/plans"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// PendingGatewayOrder links a processor-side checkout to an internal user.
// Written once when checkout starts, read when the matching webhook arrives,
// never mutated. (gateway, order_ref) is the natural key.
type PendingGatewayOrder struct {
	Gateway   gateway.Gateway
	OrderRef  string
	UserID    uuid.UUID
	PlanID    string
	Cycle     plans.BillingCycle
	CreatedAt time.Time
}

// Subscription is the authoritative lifecycle record, exactly one row per
// user. Version backs the compare-and-set update; cancellation is a status
// transition, never a row deletion.
//
// InitialOrderRef is the checkout order that started the current lifecycle:
// a captured payment carrying that order ref is the charge the checkout
// already granted a period for, not a renewal. LastPaymentRef is the most
// recently applied payment, so a redelivered payment event can tell whether
// its period extension committed or was lost mid-saga.
type Subscription struct {
	UserID            uuid.UUID
	PlanID            string
	Status            Status
	Gateway           gateway.Gateway
	ProviderRef       string // gateway subscription or payment/order ref
	InitialOrderRef   string
	LastPaymentRef    string
	Cycle             plans.BillingCycle
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the subscription grants access right now.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Outcome classifies a ledger entry.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRefunded  Outcome = "refunded"
)

// LedgerEntry is one immutable payment record. Amount is in major currency
// units. (Gateway, PaymentRef, Outcome) is unique, which is what makes
// replayed webhooks append-safe.
type LedgerEntry struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Gateway         gateway.Gateway
	Amount          decimal.Decimal
	Currency        string
	Outcome         Outcome
	SubscriptionRef string // empty when no subscription existed yet
	PaymentRef      string
	OrderRef        string
	RecordedAt      time.Time
}

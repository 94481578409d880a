// Package gateway adapts the three external payment processors behind a
// single interface. Each adapter creates checkouts, verifies webhook
// authenticity with the processor's own scheme, and normalizes the
// processor's event shapes into the canonical event set consumed by the
// billing service. Amounts are converted from processor-specific minor-unit
// conventions to major units here and nowhere else.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crmstack/billing/pkg/plans"
)

// Gateway identifies an external payment processor.
type Gateway string

const (
	GatewayStripe   Gateway = "stripe"
	GatewayRazorpay Gateway = "razorpay"
	GatewayPayPal   Gateway = "paypal"
)

// ParseGateway validates a caller-supplied gateway string.
func ParseGateway(s string) (Gateway, error) {
	switch Gateway(s) {
	case GatewayStripe, GatewayRazorpay, GatewayPayPal:
		return Gateway(s), nil
	}
	return "", ErrUnknownGateway
}

var (
	ErrUnknownGateway       = errors.New("unknown payment gateway")
	ErrVerificationFailed   = errors.New("webhook verification failed")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrMissingRequiredField = errors.New("missing required checkout field")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
)

// EventType is the closed set of canonical events. Every processor event
// maps onto one of these; anything the billing service does not care about
// becomes EventIgnorable.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventPaymentSucceeded     EventType = "payment_succeeded"
	EventPaymentFailed        EventType = "payment_failed"
	EventSubscriptionRenewed  EventType = "subscription_renewed"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventRefunded             EventType = "refunded"
	EventIgnorable            EventType = "ignorable"
)

// Event is the canonical, gateway-agnostic representation of a webhook
// notification. Which fields are populated depends on Type; Amount is always
// in major currency units.
type Event struct {
	Type          EventType
	Gateway       Gateway
	ProviderEvent string // original processor event name, for logging

	OrderRef        string // checkout session / order / correlation id
	PaymentRef      string // processor's payment or capture id
	SubscriptionRef string // processor's subscription id

	UserID     string // only when the processor echoes it back directly
	PlanID     string
	PeriodDays int

	Amount   decimal.Decimal
	Currency string
	Reason   string // failure reason, when the processor supplies one

	NewPeriodEnd      time.Time
	CancelAtPeriodEnd bool
	Status            string // processor's subscription status, verbatim
}

// Ref returns the identifier the subscription lifecycle is keyed on: the
// processor subscription id when present, otherwise the order ref.
func (e *Event) Ref() string {
	if e.SubscriptionRef != "" {
		return e.SubscriptionRef
	}
	return e.OrderRef
}

// CheckoutRequest carries everything an adapter needs to start a checkout.
// Amount is precomputed for the selected billing cycle in major units.
type CheckoutRequest struct {
	UserID        uuid.UUID
	Plan          plans.Plan
	Cycle         plans.BillingCycle
	Amount        decimal.Decimal
	Currency      string
	CustomerName  string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// Checkout is the result of checkout creation. Redirect-style processors set
// RedirectURL; widget-style processors set OrderDescriptor for the client
// SDK. OrderRef is the identifier the processor will echo back in its
// webhook and must be recorded as a pending order before returning to the
// caller.
type Checkout struct {
	Gateway         Gateway
	OrderRef        string
	RedirectURL     string
	OrderDescriptor map[string]string
}

// Adapter is the uniform surface over one payment processor.
type Adapter interface {
	Gateway() Gateway

	// CreateCheckout starts a checkout with the processor. Fails with
	// ErrMissingRequiredField when a gateway-specific mandatory field is
	// absent and ErrGatewayUnavailable when the processor call errors.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)

	// VerifyAndParse authenticates a raw webhook delivery and normalizes it.
	// Any authenticity mismatch fails with ErrVerificationFailed; the
	// payload is never partially trusted.
	VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*Event, error)
}

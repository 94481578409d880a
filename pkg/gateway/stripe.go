package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/crmstack/billing/pkg/plans"
)

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeAdapter implements Adapter for Stripe's hosted Checkout. Redirect
// style: checkout creation returns a URL, the session ID is the order ref
// echoed back in checkout.session.completed.
type StripeAdapter struct {
	sessions      *session.Client
	webhookSecret string
}

// NewStripeAdapter builds a Stripe adapter with its own API client so no
// package-level key is mutated.
func NewStripeAdapter(cfg StripeConfig) (*StripeAdapter, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	return &StripeAdapter{
		sessions: &session.Client{
			B:   stripe.GetBackend(stripe.APIBackend),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (a *StripeAdapter) Gateway() Gateway { return GatewayStripe }

// CreateCheckout opens a subscription-mode Checkout Session with an inline
// recurring price. The internal user ID rides on client_reference_id and the
// plan on session metadata so the completion webhook can be linked back.
func (a *StripeAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, errors.Join(ErrMissingRequiredField, errors.New("success and cancel URLs are required"))
	}

	interval := "month"
	if req.Cycle == plans.CycleYearly {
		interval = "year"
	}

	params := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(req.UserID.String()),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(MinorUnits(req.Amount, req.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Plan.Name),
					},
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(interval),
					},
				},
			},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.AddMetadata("plan_id", req.Plan.ID)
	params.AddMetadata("billing_cycle", string(req.Cycle))

	s, err := a.sessions.New(params)
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	return &Checkout{
		Gateway:     GatewayStripe,
		OrderRef:    s.ID,
		RedirectURL: s.URL,
	}, nil
}

// VerifyAndParse checks the Stripe-Signature header over the raw body using
// the SDK's signature verification, then normalizes the event. The event's
// api_version follows the Stripe account's pinned version, not the SDK's, and
// the normalizer reads only fields stable across versions, so a version
// mismatch must not reject the delivery.
func (a *StripeAdapter) VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, headers.Get("Stripe-Signature"), a.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrVerificationFailed, err)
	}

	out := &Event{Gateway: GatewayStripe, ProviderEvent: string(event.Type)}

	switch event.Type {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		out.Type = EventCheckoutCompleted
		out.OrderRef = s.ID
		out.UserID = s.ClientReferenceID
		out.PlanID = s.Metadata["plan_id"]
		if cycle, err := plans.ParseBillingCycle(s.Metadata["billing_cycle"]); err == nil {
			out.PeriodDays = cycle.PeriodDays()
		}
		if s.Subscription != nil {
			out.SubscriptionRef = s.Subscription.ID
		}
		out.Amount = MajorUnits(s.AmountTotal, string(s.Currency))
		out.Currency = string(s.Currency)

	case "invoice.payment_succeeded", "invoice.payment_failed":
		inv, err := parseStripeInvoice(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		if event.Type == "invoice.payment_succeeded" {
			out.Type = EventSubscriptionRenewed
		} else {
			out.Type = EventPaymentFailed
			out.Reason = inv.billingReason
			out.Amount = MajorUnits(inv.amountDue, inv.currency)
		}
		out.SubscriptionRef = inv.subscription
		out.PaymentRef = inv.paymentIntent
		if out.PaymentRef == "" {
			out.PaymentRef = inv.id
		}
		out.Currency = inv.currency
		if out.Type == EventSubscriptionRenewed {
			out.Amount = MajorUnits(inv.amountPaid, inv.currency)
			out.NewPeriodEnd = inv.periodEnd
		}

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		out.Type = EventSubscriptionUpdated
		out.SubscriptionRef = sub.ID
		out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		out.Status = string(sub.Status)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		out.Type = EventSubscriptionCanceled
		out.SubscriptionRef = sub.ID

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		out.Type = EventRefunded
		out.PaymentRef = ch.ID
		if ch.PaymentIntent != nil {
			out.PaymentRef = ch.PaymentIntent.ID
		}
		out.Amount = MajorUnits(ch.AmountRefunded, string(ch.Currency))
		out.Currency = string(ch.Currency)

	default:
		// Stripe emits dozens of event types this system has no use for.
		out.Type = EventIgnorable
	}

	return out, nil
}

// stripeInvoice carries the invoice fields the normalizer needs. The
// subscription reference has moved between API versions (top-level field vs
// parent.subscription_details), so both locations are probed.
type stripeInvoice struct {
	id            string
	subscription  string
	paymentIntent string
	amountPaid    int64
	amountDue     int64
	currency      string
	billingReason string
	periodEnd     time.Time
}

func parseStripeInvoice(raw json.RawMessage) (*stripeInvoice, error) {
	var inv struct {
		ID            string `json:"id"`
		Subscription  string `json:"subscription"`
		PaymentIntent string `json:"payment_intent"`
		AmountPaid    int64  `json:"amount_paid"`
		AmountDue     int64  `json:"amount_due"`
		Currency      string `json:"currency"`
		BillingReason string `json:"billing_reason"`
		Parent        struct {
			SubscriptionDetails struct {
				Subscription string `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
		Lines struct {
			Data []struct {
				Period struct {
					End int64 `json:"end"`
				} `json:"period"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	out := &stripeInvoice{
		id:            inv.ID,
		subscription:  inv.Subscription,
		paymentIntent: inv.PaymentIntent,
		amountPaid:    inv.AmountPaid,
		amountDue:     inv.AmountDue,
		currency:      inv.Currency,
		billingReason: inv.BillingReason,
	}
	if out.subscription == "" {
		out.subscription = inv.Parent.SubscriptionDetails.Subscription
	}
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0 {
		out.periodEnd = time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
	}
	return out, nil
}

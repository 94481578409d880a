package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paypal "github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
)

// PayPalConfig holds PayPal credentials. WebhookID identifies the registered
// webhook endpoint and is required for signature verification against
// PayPal's verify API.
type PayPalConfig struct {
	ClientID    string `env:"PAYPAL_CLIENT_ID,required"`
	Secret      string `env:"PAYPAL_SECRET,required"`
	WebhookID   string `env:"PAYPAL_WEBHOOK_ID,required"`
	Environment string `env:"PAYPAL_ENVIRONMENT" envDefault:"live"`
}

// PayPalAdapter implements Adapter for PayPal. Redirect style: checkout
// creation returns the approve link, the PayPal order ID is the ref echoed
// back in webhooks. Webhook authenticity is established by submitting the
// transmission headers and body to PayPal's verify-webhook-signature
// endpoint; header presence alone is never treated as authentic.
type PayPalAdapter struct {
	client    *paypal.Client
	webhookID string
}

// NewPayPalAdapter builds a PayPal adapter from explicit credentials.
func NewPayPalAdapter(cfg PayPalConfig) (*PayPalAdapter, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, errors.New("paypal client ID and secret are required")
	}
	if cfg.WebhookID == "" {
		return nil, errors.New("paypal webhook ID is required")
	}

	base := paypal.APIBaseLive
	if strings.EqualFold(cfg.Environment, "sandbox") {
		base = paypal.APIBaseSandBox
	}

	client, err := paypal.NewClient(cfg.ClientID, cfg.Secret, base)
	if err != nil {
		return nil, fmt.Errorf("failed to create paypal client: %w", err)
	}

	return &PayPalAdapter{client: client, webhookID: cfg.WebhookID}, nil
}

func (a *PayPalAdapter) Gateway() Gateway { return GatewayPayPal }

// CreateCheckout creates a capture-intent order and returns its approve
// link. The internal user ID rides on the purchase unit's custom_id.
func (a *PayPalAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, errors.Join(ErrMissingRequiredField, errors.New("success and cancel URLs are required"))
	}

	if _, err := a.client.GetAccessToken(ctx); err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	units := []paypal.PurchaseUnitRequest{
		{
			CustomID:    req.UserID.String(),
			Description: fmt.Sprintf("%s plan, %s billing", req.Plan.Name, req.Cycle),
			Amount: &paypal.PurchaseUnitAmount{
				Currency: req.Currency,
				Value:    req.Amount.StringFixed(2),
			},
		},
	}

	order, err := a.client.CreateOrder(ctx, paypal.OrderIntentCapture, units, nil, &paypal.ApplicationContext{
		ReturnURL: req.SuccessURL,
		CancelURL: req.CancelURL,
	})
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	var approveURL string
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}
	if approveURL == "" {
		return nil, errors.Join(ErrGatewayUnavailable, errors.New("paypal returned no approve link"))
	}

	return &Checkout{
		Gateway:     GatewayPayPal,
		OrderRef:    order.ID,
		RedirectURL: approveURL,
	}, nil
}

var paypalTransmissionHeaders = []string{
	"Paypal-Transmission-Id",
	"Paypal-Transmission-Time",
	"Paypal-Transmission-Sig",
	"Paypal-Cert-Url",
	"Paypal-Auth-Algo",
}

// VerifyAndParse submits the delivery to PayPal's verification endpoint and
// normalizes the event only after the verification status comes back SUCCESS.
func (a *PayPalAdapter) VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	// Rebuild a request carrying the transmission headers for the verify call.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrVerificationFailed, err)
	}
	for _, h := range paypalTransmissionHeaders {
		v := headers.Get(h)
		if v == "" {
			return nil, errors.Join(ErrVerificationFailed, fmt.Errorf("missing %s header", h))
		}
		req.Header.Set(h, v)
	}

	if _, err := a.client.GetAccessToken(ctx); err != nil {
		return nil, errors.Join(ErrVerificationFailed, err)
	}
	resp, err := a.client.VerifyWebhookSignature(ctx, req, a.webhookID)
	if err != nil {
		return nil, errors.Join(ErrVerificationFailed, err)
	}
	if resp.VerificationStatus != "SUCCESS" {
		return nil, errors.Join(ErrVerificationFailed, fmt.Errorf("verification status %s", resp.VerificationStatus))
	}

	var event struct {
		EventType string `json:"event_type"`
		Resource  struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			CustomID string `json:"custom_id"`
			Amount   struct {
				CurrencyCode string `json:"currency_code"`
				Value        string `json:"value"`
			} `json:"amount"`
			BillingAgreementID string `json:"billing_agreement_id"`
			BillingInfo        struct {
				NextBillingTime time.Time `json:"next_billing_time"`
			} `json:"billing_info"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
			PurchaseUnits []struct {
				CustomID string `json:"custom_id"`
			} `json:"purchase_units"`
			Links []struct {
				Href string `json:"href"`
				Rel  string `json:"rel"`
			} `json:"links"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	out := &Event{Gateway: GatewayPayPal, ProviderEvent: event.EventType}
	amount, currency := paypalAmount(event.Resource.Amount.Value, event.Resource.Amount.CurrencyCode)

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.Type = EventCheckoutCompleted
		out.OrderRef = event.Resource.ID
		if len(event.Resource.PurchaseUnits) > 0 {
			out.UserID = event.Resource.PurchaseUnits[0].CustomID
		}
		out.Amount = amount
		out.Currency = currency

	case "PAYMENT.CAPTURE.COMPLETED":
		out.Type = EventPaymentSucceeded
		out.PaymentRef = event.Resource.ID
		out.OrderRef = event.Resource.SupplementaryData.RelatedIDs.OrderID
		out.Amount = amount
		out.Currency = currency

	case "PAYMENT.CAPTURE.DENIED":
		out.Type = EventPaymentFailed
		out.PaymentRef = event.Resource.ID
		out.OrderRef = event.Resource.SupplementaryData.RelatedIDs.OrderID
		out.Amount = amount
		out.Currency = currency
		out.Reason = event.Resource.Status

	case "PAYMENT.SALE.COMPLETED":
		out.Type = EventSubscriptionRenewed
		out.PaymentRef = event.Resource.ID
		out.SubscriptionRef = event.Resource.BillingAgreementID
		out.Amount = amount
		out.Currency = currency

	case "BILLING.SUBSCRIPTION.UPDATED":
		out.Type = EventSubscriptionUpdated
		out.SubscriptionRef = event.Resource.ID
		out.Status = event.Resource.Status
		out.NewPeriodEnd = event.Resource.BillingInfo.NextBillingTime

	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED", "BILLING.SUBSCRIPTION.SUSPENDED":
		out.Type = EventSubscriptionCanceled
		out.SubscriptionRef = event.Resource.ID

	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.SALE.REFUNDED":
		out.Type = EventRefunded
		// The resource is the refund object; the payment it reverses is the
		// "up" link target. Fall back to the refund's own ID.
		out.PaymentRef = event.Resource.ID
		for _, link := range event.Resource.Links {
			if link.Rel == "up" {
				if i := strings.LastIndex(link.Href, "/"); i >= 0 && i+1 < len(link.Href) {
					out.PaymentRef = link.Href[i+1:]
				}
				break
			}
		}
		out.Amount = amount
		out.Currency = currency

	default:
		out.Type = EventIgnorable
	}

	return out, nil
}

// paypalAmount parses PayPal's major-unit decimal strings. Unlike Stripe and
// Razorpay, PayPal already sends major units, so no shift is applied.
func paypalAmount(value, currency string) (decimal.Decimal, string) {
	if value == "" {
		return decimal.Zero, currency
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, currency
	}
	return d, currency
}

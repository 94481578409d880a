package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

// RazorpayConfig holds Razorpay credentials.
type RazorpayConfig struct {
	KeyID         string `env:"RAZORPAY_KEY_ID,required"`
	KeySecret     string `env:"RAZORPAY_KEY_SECRET,required"`
	WebhookSecret string `env:"RAZORPAY_WEBHOOK_SECRET,required"`
}

// RazorpayAdapter implements Adapter for Razorpay. Widget style: checkout
// creation returns an order descriptor the client-side SDK consumes, and the
// order ID is the ref echoed back in webhooks. Customer name and email are
// mandatory because the widget prefill requires them.
type RazorpayAdapter struct {
	client        *razorpay.Client
	keyID         string
	webhookSecret string
}

// NewRazorpayAdapter builds a Razorpay adapter from explicit credentials.
func NewRazorpayAdapter(cfg RazorpayConfig) (*RazorpayAdapter, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("razorpay key ID and secret are required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("razorpay webhook secret is required")
	}
	return &RazorpayAdapter{
		client:        razorpay.NewClient(cfg.KeyID, cfg.KeySecret),
		keyID:         cfg.KeyID,
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (a *RazorpayAdapter) Gateway() Gateway { return GatewayRazorpay }

// CreateCheckout creates a Razorpay Order and returns the descriptor the
// embedded widget needs. The internal user and plan ride on order notes.
func (a *RazorpayAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if req.CustomerName == "" || req.CustomerEmail == "" {
		return nil, errors.Join(ErrMissingRequiredField, errors.New("customer name and email are required for razorpay"))
	}

	data := map[string]any{
		"amount":   MinorUnits(req.Amount, req.Currency),
		"currency": req.Currency,
		"notes": map[string]any{
			"user_id":       req.UserID.String(),
			"plan_id":       req.Plan.ID,
			"billing_cycle": string(req.Cycle),
		},
	}

	order, err := a.client.Order.Create(data, nil)
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	orderID, _ := order["id"].(string)
	if orderID == "" {
		return nil, errors.Join(ErrGatewayUnavailable, errors.New("razorpay returned no order id"))
	}

	return &Checkout{
		Gateway:  GatewayRazorpay,
		OrderRef: orderID,
		OrderDescriptor: map[string]string{
			"orderId":  orderID,
			"keyId":    a.keyID,
			"amount":   req.Amount.String(),
			"currency": req.Currency,
			"name":     req.CustomerName,
			"email":    req.CustomerEmail,
		},
	}, nil
}

// razorpayEnvelope is the common webhook wrapper: the concrete entity sits
// under payload.<kind>.entity.
type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"entity"`
		} `json:"order"`
		Subscription struct {
			Entity struct {
				ID         string `json:"id"`
				Status     string `json:"status"`
				CurrentEnd int64  `json:"current_end"`
			} `json:"entity"`
		} `json:"subscription"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
				Currency  string `json:"currency"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type razorpayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ErrorDescription string `json:"error_description"`
}

// VerifyAndParse recomputes HMAC-SHA256 over the raw body with the shared
// webhook secret and compares it against X-Razorpay-Signature in constant
// time before trusting anything in the payload.
func (a *RazorpayAdapter) VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	signature := headers.Get("X-Razorpay-Signature")
	if signature == "" {
		return nil, errors.Join(ErrVerificationFailed, errors.New("missing X-Razorpay-Signature header"))
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, errors.Join(ErrVerificationFailed, errors.New("signature mismatch"))
	}

	var env razorpayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	out := &Event{Gateway: GatewayRazorpay, ProviderEvent: env.Event}

	switch env.Event {
	case "order.paid":
		out.Type = EventCheckoutCompleted
		out.OrderRef = env.Payload.Order.Entity.ID
		if out.OrderRef == "" {
			out.OrderRef = env.Payload.Payment.Entity.OrderID
		}
		out.PaymentRef = env.Payload.Payment.Entity.ID
		out.Amount = MajorUnits(env.Payload.Order.Entity.Amount, env.Payload.Order.Entity.Currency)
		out.Currency = env.Payload.Order.Entity.Currency

	case "payment.captured":
		p := env.Payload.Payment.Entity
		out.Type = EventPaymentSucceeded
		out.PaymentRef = p.ID
		out.OrderRef = p.OrderID
		out.Amount = MajorUnits(p.Amount, p.Currency)
		out.Currency = p.Currency

	case "payment.failed":
		p := env.Payload.Payment.Entity
		out.Type = EventPaymentFailed
		out.PaymentRef = p.ID
		out.OrderRef = p.OrderID
		out.Amount = MajorUnits(p.Amount, p.Currency)
		out.Currency = p.Currency
		out.Reason = p.ErrorDescription

	case "subscription.charged":
		s := env.Payload.Subscription.Entity
		p := env.Payload.Payment.Entity
		out.Type = EventSubscriptionRenewed
		out.SubscriptionRef = s.ID
		out.PaymentRef = p.ID
		out.Amount = MajorUnits(p.Amount, p.Currency)
		out.Currency = p.Currency
		if s.CurrentEnd > 0 {
			out.NewPeriodEnd = time.Unix(s.CurrentEnd, 0).UTC()
		}

	case "subscription.cancelled", "subscription.completed":
		out.Type = EventSubscriptionCanceled
		out.SubscriptionRef = env.Payload.Subscription.Entity.ID

	case "subscription.updated":
		s := env.Payload.Subscription.Entity
		out.Type = EventSubscriptionUpdated
		out.SubscriptionRef = s.ID
		out.Status = s.Status

	case "refund.processed":
		r := env.Payload.Refund.Entity
		out.Type = EventRefunded
		out.PaymentRef = r.PaymentID
		out.Amount = MajorUnits(r.Amount, r.Currency)
		out.Currency = r.Currency

	default:
		out.Type = EventIgnorable
	}

	return out, nil
}

package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/crmstack/billing/pkg/billing"
	"github.com/crmstack/billing/pkg/gateway"
	"github.com/crmstack/billing/pkg/plans"
	"github.com/crmstack/billing/pkg/profilecache"
)

// maxWebhookBody caps webhook payload reads. Processor payloads are a few KB;
// anything beyond this is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// Handlers carries the billing HTTP endpoints.
type Handlers struct {
	svc     *billing.Service
	catalog *plans.Catalog
	cache   profilecache.Store
	log     *slog.Logger
}

// NewHandlers wires the billing endpoints.
func NewHandlers(svc *billing.Service, catalog *plans.Catalog, cache profilecache.Store, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{svc: svc, catalog: catalog, cache: cache, log: log}
}

// ListPlans returns the plan catalog for the pricing page.
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.List())
}

// CheckoutRequest is the checkout initiation payload.
type CheckoutRequest struct {
	Gateway       string `json:"gateway"`
	PlanID        string `json:"plan_id"`
	BillingCycle  string `json:"billing_cycle"`
	UserID        string `json:"user_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	SuccessURL    string `json:"success_url"`
	CancelURL     string `json:"cancel_url"`
}

// CheckoutResponse is what the UI needs to continue the flow: either a
// redirect URL or a widget descriptor, depending on the processor.
type CheckoutResponse struct {
	Gateway         string            `json:"gateway,omitempty"`
	OrderRef        string            `json:"order_ref,omitempty"`
	RedirectURL     string            `json:"redirect_url,omitempty"`
	OrderDescriptor map[string]string `json:"order_descriptor,omitempty"`
}

// CreateCheckout starts a checkout session with the selected processor.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "user_id must be a valid UUID")
		return
	}

	cycle, err := plans.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	gw, err := gateway.ParseGateway(req.Gateway)
	if err != nil && req.Gateway != "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	checkout, err := h.svc.CreateCheckout(r.Context(), billing.CheckoutParams{
		Gateway:       gw,
		PlanID:        req.PlanID,
		Cycle:         cycle,
		UserID:        userID,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutResponse{
		Gateway:         string(checkout.Gateway),
		OrderRef:        checkout.OrderRef,
		RedirectURL:     checkout.RedirectURL,
		OrderDescriptor: checkout.OrderDescriptor,
	})
}

func (h *Handlers) writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, plans.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "plan_not_found", "unknown plan")
	case errors.Is(err, gateway.ErrUnknownGateway):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "unknown payment gateway")
	case errors.Is(err, gateway.ErrMissingRequiredField):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		h.log.ErrorContext(r.Context(), "payment gateway unavailable", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "gateway_unavailable", "payment processor unavailable")
	default:
		h.log.ErrorContext(r.Context(), "checkout failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal_error", "checkout failed")
	}
}

// HandleWebhook is the per-processor webhook intake. Signature failures are
// rejected with 400; processing failures return 500 so the processor
// redelivers, since every downstream effect is replay safe.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gw, err := gateway.ParseGateway(chi.URLParam(r, "gateway"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown webhook source")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read payload")
		return
	}

	err = h.svc.HandleWebhook(r.Context(), gw, payload, r.Header)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, gateway.ErrVerificationFailed):
		h.log.WarnContext(r.Context(), "webhook signature verification failed",
			slog.String("gateway", string(gw)))
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook verification failed")
	case errors.Is(err, gateway.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed webhook payload")
	default:
		// Includes ErrLinkageNotFound: out-of-order deliveries succeed on a
		// later retry once the linkage lands.
		h.log.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("gateway", string(gw)),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal_error", "webhook processing failed")
	}
}

// SubscriptionResponse is the subscription read model served to the UI.
type SubscriptionResponse struct {
	PlanID            string `json:"plan_id"`
	Status            string `json:"status"`
	Gateway           string `json:"gateway,omitempty"`
	BillingCycle      string `json:"billing_cycle,omitempty"`
	CurrentPeriodEnd  string `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// GetSubscription serves the subscription state, cache first with a
// fallthrough to the authoritative store. A user with no row is on the
// implicit free tier.
func (h *Handlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "userID must be a valid UUID")
		return
	}

	if entry, ok, err := h.cache.Get(r.Context(), userID); err == nil && ok {
		writeJSON(w, http.StatusOK, SubscriptionResponse{
			PlanID:            entry.PlanID,
			Status:            entry.Status,
			Gateway:           entry.Gateway,
			CurrentPeriodEnd:  formatTime(entry.CurrentPeriodEnd),
			CancelAtPeriodEnd: entry.CancelAtPeriodEnd,
		})
		return
	} else if err != nil {
		h.log.WarnContext(r.Context(), "profile cache read failed", slog.Any("error", err))
	}

	sub, err := h.svc.GetSubscription(r.Context(), userID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		writeJSON(w, http.StatusOK, SubscriptionResponse{
			PlanID: plans.FreePlanID,
			Status: "none",
		})
	case err != nil:
		h.log.ErrorContext(r.Context(), "subscription lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal_error", "subscription lookup failed")
	default:
		writeJSON(w, http.StatusOK, SubscriptionResponse{
			PlanID:            sub.PlanID,
			Status:            string(sub.Status),
			Gateway:           string(sub.Gateway),
			BillingCycle:      string(sub.Cycle),
			CurrentPeriodEnd:  formatTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		})
	}
}

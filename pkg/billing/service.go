// Package billing drives the subscription lifecycle from canonical gateway
// events. Webhooks from the three processors arrive unordered, duplicated
// and without any shared transaction context, so every state change here is
// guarded twice: the payment ledger's unique key turns replays into no-ops,
// and subscription writes are compare-and-set so a late stale event cannot
// clobber a newer lifecycle. The profile cache is a projection rebuilt last;
// re-delivery of any webhook converges to the same end state.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/crmstack/billing/pkg/gateway"
	"github.com/crmstack/billing/pkg/plans"
	"github.com/crmstack/billing/pkg/profilecache"
)

// casRetries bounds the re-read loop when concurrent events for the same
// user race past each other.
const casRetries = 3

// Config holds service-level tunables.
type Config struct {
	FreePlanID       string        `env:"BILLING_FREE_PLAN_ID" envDefault:"starter"`
	PendingOrderTTL  time.Duration `env:"BILLING_PENDING_ORDER_TTL" envDefault:"24h"`
	CacheSyncRetries int           `env:"BILLING_CACHE_SYNC_RETRIES" envDefault:"3"`
	CacheSyncBackoff time.Duration `env:"BILLING_CACHE_SYNC_BACKOFF" envDefault:"2s"`
}

// Service is the reconciliation core: it initiates checkouts, applies
// canonical events to subscription rows, records the payment ledger and
// keeps the profile cache in sync.
type Service struct {
	cfg      Config
	catalog  *plans.Catalog
	adapters map[gateway.Gateway]gateway.Adapter
	orders   OrderStore
	subs     SubscriptionStore
	ledger   LedgerStore
	cache    profilecache.Store
	log      *slog.Logger
	now      func() time.Time
}

// Option configures optional service settings.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the reconciliation service. Panics on nil dependencies to
// fail fast during initialization.
func NewService(cfg Config, catalog *plans.Catalog, adapters []gateway.Adapter, orders OrderStore, subs SubscriptionStore, ledger LedgerStore, cache profilecache.Store, log *slog.Logger, opts ...Option) *Service {
	if catalog == nil {
		panic("billing: plan catalog is required")
	}
	if orders == nil || subs == nil || ledger == nil {
		panic("billing: stores are required")
	}
	if cache == nil {
		panic("billing: profile cache store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.FreePlanID == "" {
		cfg.FreePlanID = plans.FreePlanID
	}

	s := &Service{
		cfg:      cfg,
		catalog:  catalog,
		adapters: make(map[gateway.Gateway]gateway.Adapter, len(adapters)),
		orders:   orders,
		subs:     subs,
		ledger:   ledger,
		cache:    cache,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, a := range adapters {
		s.adapters[a.Gateway()] = a
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckoutParams is the checkout-initiation contract consumed by the UI.
type CheckoutParams struct {
	Gateway       gateway.Gateway
	PlanID        string
	Cycle         plans.BillingCycle
	UserID        uuid.UUID
	CustomerName  string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// CreateCheckout starts a checkout with the selected processor and records
// the pending order the webhook will be linked back through. The free plan
// bypasses the processors entirely and activates immediately.
func (s *Service) CreateCheckout(ctx context.Context, p CheckoutParams) (*gateway.Checkout, error) {
	plan, err := s.catalog.Get(p.PlanID)
	if err != nil {
		return nil, err
	}

	if plan.IsFree() {
		if err := s.activateFreePlan(ctx, p.UserID, plan.ID); err != nil {
			return nil, err
		}
		return &gateway.Checkout{RedirectURL: p.SuccessURL}, nil
	}

	adapter, ok := s.adapters[p.Gateway]
	if !ok {
		return nil, gateway.ErrUnknownGateway
	}

	checkout, err := adapter.CreateCheckout(ctx, gateway.CheckoutRequest{
		UserID:        p.UserID,
		Plan:          plan,
		Cycle:         p.Cycle,
		Amount:        plan.PriceFor(p.Cycle),
		Currency:      plan.Currency,
		CustomerName:  p.CustomerName,
		CustomerEmail: p.CustomerEmail,
		SuccessURL:    p.SuccessURL,
		CancelURL:     p.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	err = s.orders.Create(ctx, &PendingGatewayOrder{
		Gateway:   p.Gateway,
		OrderRef:  checkout.OrderRef,
		UserID:    p.UserID,
		PlanID:    plan.ID,
		Cycle:     p.Cycle,
		CreatedAt: s.now(),
	})
	if err != nil && !errors.Is(err, ErrOrderExists) {
		return nil, fmt.Errorf("failed to record pending order: %w", err)
	}

	s.log.InfoContext(ctx, "checkout created",
		slog.String("gateway", string(p.Gateway)),
		slog.String("order_ref", checkout.OrderRef),
		slog.String("user_id", p.UserID.String()),
		slog.String("plan_id", plan.ID))
	return checkout, nil
}

// HandleWebhook verifies, normalizes and applies one raw webhook delivery.
// It is safe to replay in full: every effect behind it is idempotency
// guarded, so returning an error and letting the gateway redeliver is the
// recovery path for any transient failure.
func (s *Service) HandleWebhook(ctx context.Context, gw gateway.Gateway, payload []byte, headers http.Header) error {
	adapter, ok := s.adapters[gw]
	if !ok {
		return gateway.ErrUnknownGateway
	}

	event, err := adapter.VerifyAndParse(ctx, payload, headers)
	if err != nil {
		return err
	}

	if event.Type == gateway.EventIgnorable {
		s.log.DebugContext(ctx, "ignoring gateway event",
			slog.String("gateway", string(gw)),
			slog.String("provider_event", event.ProviderEvent))
		return nil
	}

	s.log.InfoContext(ctx, "processing gateway event",
		slog.String("gateway", string(gw)),
		slog.String("event", string(event.Type)),
		slog.String("provider_event", event.ProviderEvent))

	return s.Apply(ctx, event)
}

// Apply runs one canonical event through the state machine.
func (s *Service) Apply(ctx context.Context, event *gateway.Event) error {
	switch event.Type {
	case gateway.EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, event)
	case gateway.EventPaymentSucceeded, gateway.EventSubscriptionRenewed:
		return s.applyPaymentSucceeded(ctx, event)
	case gateway.EventPaymentFailed:
		return s.applyPaymentFailed(ctx, event)
	case gateway.EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, event)
	case gateway.EventSubscriptionCanceled:
		return s.applyCanceled(ctx, event)
	case gateway.EventRefunded:
		return s.applyRefunded(ctx, event)
	case gateway.EventIgnorable:
		return nil
	}
	return fmt.Errorf("unhandled canonical event type %q", event.Type)
}

// GetSubscription returns the authoritative subscription row.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.subs.GetByUserID(ctx, userID)
}

// SweepAbandonedOrders garbage-collects pending orders past their TTL.
func (s *Service) SweepAbandonedOrders(ctx context.Context) (int64, error) {
	return s.orders.DeleteExpired(ctx, s.now().Add(-s.cfg.PendingOrderTTL))
}

func (s *Service) activateFreePlan(ctx context.Context, userID uuid.UUID, planID string) error {
	now := s.now()
	_, err := s.subs.GetByUserID(ctx, userID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		err = s.subs.Create(ctx, &Subscription{
			UserID:    userID,
			PlanID:    planID,
			Status:    StatusActive,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil && !errors.Is(err, ErrSubscriptionExists) {
			return err
		}
	case err != nil:
		return err
	default:
		err = s.updateSubscription(ctx, userID, func(sub *Subscription) (bool, error) {
			sub.PlanID = planID
			sub.Status = StatusActive
			sub.Gateway = ""
			sub.ProviderRef = ""
			sub.InitialOrderRef = ""
			sub.LastPaymentRef = ""
			sub.Cycle = ""
			sub.CurrentPeriodEnd = time.Time{}
			sub.CancelAtPeriodEnd = false
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	s.syncProfile(ctx, userID)
	return nil
}

// applyCheckoutCompleted creates the subscription for a first checkout, or
// starts a fresh lifecycle when a previously canceled user re-subscribes.
// Duplicate deliveries are recognized by the stored provider ref.
func (s *Service) applyCheckoutCompleted(ctx context.Context, event *gateway.Event) error {
	order, err := s.orders.Get(ctx, event.Gateway, event.OrderRef)
	if err != nil {
		s.log.ErrorContext(ctx, "checkout webhook for unknown order",
			slog.String("gateway", string(event.Gateway)),
			slog.String("order_ref", event.OrderRef))
		return err
	}

	// The pending order is authoritative; a verified payload that still
	// contradicts it is misrouted or tampered and must not be processed.
	if event.UserID != "" && event.UserID != order.UserID.String() {
		s.log.ErrorContext(ctx, "checkout webhook user does not match pending order",
			slog.String("order_ref", event.OrderRef),
			slog.String("event_user", event.UserID),
			slog.String("order_user", order.UserID.String()))
		return ErrOrderMismatch
	}
	if event.PlanID != "" && event.PlanID != order.PlanID {
		s.log.ErrorContext(ctx, "checkout webhook plan does not match pending order",
			slog.String("order_ref", event.OrderRef),
			slog.String("event_plan", event.PlanID),
			slog.String("order_plan", order.PlanID))
		return ErrOrderMismatch
	}

	ref := event.Ref()
	periodDays := event.PeriodDays
	if periodDays == 0 {
		periodDays = order.Cycle.PeriodDays()
	}
	now := s.now()

	sub, err := s.subs.GetByUserID(ctx, order.UserID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		err = s.subs.Create(ctx, &Subscription{
			UserID:           order.UserID,
			PlanID:           order.PlanID,
			Status:           StatusActive,
			Gateway:          event.Gateway,
			ProviderRef:      ref,
			InitialOrderRef:  order.OrderRef,
			LastPaymentRef:   event.PaymentRef,
			Cycle:            order.Cycle,
			CurrentPeriodEnd: now.AddDate(0, 0, periodDays),
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if errors.Is(err, ErrSubscriptionExists) {
			// Lost a race with a concurrent delivery; re-apply against the
			// now-existing row.
			return s.applyCheckoutCompleted(ctx, event)
		}
		if err != nil {
			return err
		}

	case err != nil:
		return err

	default:
		if sub.Gateway == event.Gateway && sub.ProviderRef == ref {
			s.log.DebugContext(ctx, "duplicate checkout completion",
				slog.String("provider_ref", ref))
			return nil
		}
		err = s.updateSubscription(ctx, order.UserID, func(sub *Subscription) (bool, error) {
			if sub.Gateway == event.Gateway && sub.ProviderRef == ref {
				return false, nil
			}
			sub.PlanID = order.PlanID
			sub.Status = StatusActive
			sub.Gateway = event.Gateway
			sub.ProviderRef = ref
			sub.InitialOrderRef = order.OrderRef
			sub.LastPaymentRef = event.PaymentRef
			sub.Cycle = order.Cycle
			sub.CurrentPeriodEnd = now.AddDate(0, 0, periodDays)
			sub.CancelAtPeriodEnd = false
			return true, nil
		})
		if err != nil {
			return err
		}
	}

	s.syncProfile(ctx, order.UserID)
	return nil
}

// applyPaymentSucceeded records the ledger entry and extends the current
// period. The ledger's unique key absorbs replayed inserts, but a duplicate
// entry does not short-circuit the subscription write: the ledger commits
// first, so a crash between the two steps leaves the gateway's redelivery as
// the only chance to finish the renewal. LastPaymentRef on the row is what
// tells an already-applied replay from an interrupted one.
func (s *Service) applyPaymentSucceeded(ctx context.Context, event *gateway.Event) error {
	userID, sub, err := s.resolvePaymentTarget(ctx, event)
	if err != nil {
		return err
	}

	created, err := s.ledger.Insert(ctx, &LedgerEntry{
		UserID:          userID,
		Gateway:         event.Gateway,
		Amount:          event.Amount,
		Currency:        event.Currency,
		Outcome:         OutcomeCompleted,
		SubscriptionRef: event.SubscriptionRef,
		PaymentRef:      event.PaymentRef,
		OrderRef:        event.OrderRef,
		RecordedAt:      s.now(),
	})
	if err != nil {
		return err
	}
	if !created {
		s.log.DebugContext(ctx, "duplicate payment event",
			slog.String("payment_ref", event.PaymentRef))
		if event.PaymentRef == "" {
			// Without a payment ref the row carries no applied marker to
			// check against, so a replay cannot be told from a new event.
			return nil
		}
	}

	if sub == nil {
		// Payment observed before the checkout completion was processed;
		// the ledger has it, the subscription appears when the completion
		// event lands.
		s.log.WarnContext(ctx, "payment recorded without subscription",
			slog.String("payment_ref", event.PaymentRef),
			slog.String("user_id", userID.String()))
		return nil
	}

	err = s.updateSubscription(ctx, userID, func(sub *Subscription) (bool, error) {
		if !s.eventMatchesLifecycle(sub, event.SubscriptionRef, event.OrderRef) {
			s.log.WarnContext(ctx, "stale payment event for superseded lifecycle",
				slog.String("payment_ref", event.PaymentRef),
				slog.String("current_ref", sub.ProviderRef))
			return false, nil
		}
		if event.PaymentRef != "" && sub.LastPaymentRef == event.PaymentRef {
			return false, nil
		}
		sub.Status = StatusActive
		// The capture of the lifecycle's own checkout order is the charge
		// the completion event already granted a period for; extending
		// again would hand out two periods for one payment. An absolute
		// period end from the processor still applies, the monotonic
		// comparison in extendPeriod makes that safe.
		if !s.isInitialCharge(sub, event) || !event.NewPeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = s.extendPeriod(sub, event)
		}
		if event.PaymentRef != "" {
			sub.LastPaymentRef = event.PaymentRef
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.syncProfile(ctx, userID)
	return nil
}

// isInitialCharge reports whether the payment event is the capture of the
// checkout order that started the row's current lifecycle.
func (s *Service) isInitialCharge(sub *Subscription, event *gateway.Event) bool {
	return event.SubscriptionRef == "" && event.OrderRef != "" &&
		event.OrderRef == sub.InitialOrderRef
}

// applyPaymentFailed only appends a ledger record. Processors emit separate
// dunning events that move the subscription to past_due.
func (s *Service) applyPaymentFailed(ctx context.Context, event *gateway.Event) error {
	userID, sub, err := s.resolvePaymentTarget(ctx, event)
	if err != nil {
		return err
	}

	subscriptionRef := event.SubscriptionRef
	if subscriptionRef == "" && sub != nil {
		subscriptionRef = sub.ProviderRef
	}

	created, err := s.ledger.Insert(ctx, &LedgerEntry{
		UserID:          userID,
		Gateway:         event.Gateway,
		Amount:          event.Amount,
		Currency:        event.Currency,
		Outcome:         OutcomeFailed,
		SubscriptionRef: subscriptionRef,
		PaymentRef:      event.PaymentRef,
		OrderRef:        event.OrderRef,
		RecordedAt:      s.now(),
	})
	if err != nil {
		return err
	}
	if created {
		s.log.InfoContext(ctx, "payment failure recorded",
			slog.String("payment_ref", event.PaymentRef),
			slog.String("reason", event.Reason))
	}
	return nil
}

// applySubscriptionUpdated mirrors the processor's own subscription object:
// cancel-at-period-end and status are taken verbatim.
func (s *Service) applySubscriptionUpdated(ctx context.Context, event *gateway.Event) error {
	sub, err := s.subs.GetByProviderRef(ctx, event.Gateway, event.SubscriptionRef)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return ErrLinkageNotFound
		}
		return err
	}

	err = s.updateSubscription(ctx, sub.UserID, func(sub *Subscription) (bool, error) {
		if sub.Gateway != event.Gateway || sub.ProviderRef != event.SubscriptionRef {
			return false, nil
		}
		changed := false
		if sub.CancelAtPeriodEnd != event.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = event.CancelAtPeriodEnd
			changed = true
		}
		if status, ok := normalizeProviderStatus(event.Status); ok && status != sub.Status {
			sub.Status = status
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return err
	}

	s.syncProfile(ctx, sub.UserID)
	return nil
}

// applyCanceled terminates the lifecycle: status canceled, period end pulled
// to now, plan reverted to the free tier.
func (s *Service) applyCanceled(ctx context.Context, event *gateway.Event) error {
	sub, err := s.subs.GetByProviderRef(ctx, event.Gateway, event.SubscriptionRef)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return ErrLinkageNotFound
		}
		return err
	}

	if err := s.cancelSubscription(ctx, sub.UserID, event.SubscriptionRef); err != nil {
		return err
	}
	s.syncProfile(ctx, sub.UserID)
	return nil
}

// applyRefunded records the refund in the ledger and cancels the lifecycle
// the refunded payment belonged to. The original payment entry provides the
// user linkage.
func (s *Service) applyRefunded(ctx context.Context, event *gateway.Event) error {
	original, err := s.ledger.GetByPaymentRef(ctx, event.Gateway, event.PaymentRef)
	if err != nil {
		s.log.ErrorContext(ctx, "refund webhook for unknown payment",
			slog.String("gateway", string(event.Gateway)),
			slog.String("payment_ref", event.PaymentRef))
		return err
	}

	amount := event.Amount
	if amount.IsZero() {
		amount = original.Amount
	}

	created, err := s.ledger.Insert(ctx, &LedgerEntry{
		UserID:          original.UserID,
		Gateway:         event.Gateway,
		Amount:          amount,
		Currency:        original.Currency,
		Outcome:         OutcomeRefunded,
		SubscriptionRef: original.SubscriptionRef,
		PaymentRef:      event.PaymentRef,
		OrderRef:        original.OrderRef,
		RecordedAt:      s.now(),
	})
	if err != nil {
		return err
	}
	if !created {
		s.log.DebugContext(ctx, "duplicate refund event",
			slog.String("payment_ref", event.PaymentRef))
	}

	// Runs even when the ledger entry already existed: the entry commits
	// before the cancellation, so a redelivery after a crash between the two
	// must still finish it. cancelSubscription no-ops once the row is
	// canceled on the free tier.
	if err := s.cancelSubscription(ctx, original.UserID, original.SubscriptionRef, original.OrderRef); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Failed payment refunds can precede any subscription.
			return nil
		}
		return err
	}
	s.syncProfile(ctx, original.UserID)
	return nil
}

// cancelSubscription moves the row to canceled with an immediate downgrade
// to the free tier, skipping lifecycles the refs no longer match.
func (s *Service) cancelSubscription(ctx context.Context, userID uuid.UUID, refs ...string) error {
	return s.updateSubscription(ctx, userID, func(sub *Subscription) (bool, error) {
		if !s.eventMatchesLifecycle(sub, refs...) {
			return false, nil
		}
		if sub.Status == StatusCanceled && sub.PlanID == s.cfg.FreePlanID {
			return false, nil
		}
		if !CanTransition(sub.Status, StatusCanceled) {
			return false, fmt.Errorf("cannot cancel subscription in status %q", sub.Status)
		}
		sub.Status = StatusCanceled
		sub.CurrentPeriodEnd = s.now()
		sub.PlanID = s.cfg.FreePlanID
		sub.CancelAtPeriodEnd = false
		return true, nil
	})
}

// resolvePaymentTarget maps a payment-class event back to a user: by the
// processor subscription ref when present, otherwise through the pending
// order. The subscription return is nil when none exists yet.
func (s *Service) resolvePaymentTarget(ctx context.Context, event *gateway.Event) (uuid.UUID, *Subscription, error) {
	if event.SubscriptionRef != "" {
		sub, err := s.subs.GetByProviderRef(ctx, event.Gateway, event.SubscriptionRef)
		if err == nil {
			return sub.UserID, sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return uuid.Nil, nil, err
		}
	}

	if event.OrderRef != "" {
		order, err := s.orders.Get(ctx, event.Gateway, event.OrderRef)
		if err == nil {
			sub, err := s.subs.GetByUserID(ctx, order.UserID)
			if errors.Is(err, ErrSubscriptionNotFound) {
				return order.UserID, nil, nil
			}
			if err != nil {
				return uuid.Nil, nil, err
			}
			return order.UserID, sub, nil
		}
		if !errors.Is(err, ErrLinkageNotFound) {
			return uuid.Nil, nil, err
		}
	}

	s.log.ErrorContext(ctx, "payment webhook with no linkage",
		slog.String("gateway", string(event.Gateway)),
		slog.String("payment_ref", event.PaymentRef),
		slog.String("order_ref", event.OrderRef),
		slog.String("subscription_ref", event.SubscriptionRef))
	return uuid.Nil, nil, ErrLinkageNotFound
}

// eventMatchesLifecycle reports whether any of the event's refs point at the
// lifecycle currently stored on the row. Events with no refs match, since
// there is nothing to contradict.
func (s *Service) eventMatchesLifecycle(sub *Subscription, refs ...string) bool {
	sawRef := false
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		sawRef = true
		if sub.ProviderRef == ref {
			return true
		}
	}
	return !sawRef
}

// extendPeriod computes the new period end. The period only ever moves
// forward for a lifecycle; a stale renewal carrying an older period end is
// absorbed.
func (s *Service) extendPeriod(sub *Subscription, event *gateway.Event) time.Time {
	if !event.NewPeriodEnd.IsZero() {
		if event.NewPeriodEnd.After(sub.CurrentPeriodEnd) {
			return event.NewPeriodEnd
		}
		return sub.CurrentPeriodEnd
	}

	days := event.PeriodDays
	if days == 0 {
		days = sub.Cycle.PeriodDays()
	}
	base := sub.CurrentPeriodEnd
	if now := s.now(); base.Before(now) {
		base = now
	}
	return base.AddDate(0, 0, days)
}

// updateSubscription runs a compare-and-set read-modify-write for one user.
// The mutate callback returns false to signal a deliberate no-op (duplicate
// or stale event).
func (s *Service) updateSubscription(ctx context.Context, userID uuid.UUID, mutate func(*Subscription) (bool, error)) error {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		sub, err := s.subs.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}

		apply, err := mutate(sub)
		if err != nil {
			return err
		}
		if !apply {
			return nil
		}

		sub.UpdatedAt = s.now()
		err = s.subs.UpdateCAS(ctx, sub)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// syncProfile rebuilds the cache entry wholesale from the authoritative row.
// Failures never fail the webhook: the cache is derived data, so the sync is
// retried in the background and converges on the next event at worst.
func (s *Service) syncProfile(ctx context.Context, userID uuid.UUID) {
	sync := func(ctx context.Context) error {
		sub, err := s.subs.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		return s.cache.Set(ctx, userID, profilecache.Entry{
			PlanID:            sub.PlanID,
			Status:            string(sub.Status),
			Gateway:           string(sub.Gateway),
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		})
	}

	err := sync(ctx)
	if err == nil {
		return
	}
	s.log.WarnContext(ctx, "profile cache sync failed, retrying in background",
		slog.String("user_id", userID.String()),
		slog.Any("error", err))

	// Detach from the request context so gateway webhook timeouts do not
	// cancel the retry.
	bg := context.WithoutCancel(ctx)
	go func() {
		for i := 0; i < s.cfg.CacheSyncRetries; i++ {
			time.Sleep(s.cfg.CacheSyncBackoff)
			if err := sync(bg); err == nil {
				return
			}
		}
		s.log.Warn("profile cache sync retries exhausted",
			slog.String("user_id", userID.String()))
	}()
}

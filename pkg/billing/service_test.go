package billing_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmstack/billing/pkg/billing"
	"github.com/crmstack/billing/pkg/gateway"
	"github.com/crmstack/billing/pkg/plans"
	"github.com/crmstack/billing/pkg/profilecache"
)

// fakeAdapter returns canned checkouts and events so tests can drive the
// service without any processor traffic.
type fakeAdapter struct {
	gw        gateway.Gateway
	checkout  *gateway.Checkout
	event     *gateway.Event
	verifyErr error
}

func (a *fakeAdapter) Gateway() gateway.Gateway { return a.gw }

func (a *fakeAdapter) CreateCheckout(_ context.Context, _ gateway.CheckoutRequest) (*gateway.Checkout, error) {
	return a.checkout, nil
}

func (a *fakeAdapter) VerifyAndParse(_ context.Context, _ []byte, _ http.Header) (*gateway.Event, error) {
	if a.verifyErr != nil {
		return nil, a.verifyErr
	}
	return a.event, nil
}

// flakySubscriptionStore fails a set number of subscription writes, standing
// in for a crash between the ledger commit and the row update.
type flakySubscriptionStore struct {
	*billing.MemorySubscriptionStore
	failures int
}

func (s *flakySubscriptionStore) UpdateCAS(ctx context.Context, sub *billing.Subscription) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.MemorySubscriptionStore.UpdateCAS(ctx, sub)
}

type testEnv struct {
	svc    *billing.Service
	orders *billing.MemoryOrderStore
	subs   *billing.MemorySubscriptionStore
	ledger *billing.MemoryLedgerStore
	cache  *profilecache.MemoryStore
	now    time.Time
}

func newTestEnv(t *testing.T, adapters ...gateway.Adapter) *testEnv {
	t.Helper()

	env := &testEnv{
		orders: billing.NewMemoryOrderStore(),
		subs:   billing.NewMemorySubscriptionStore(),
		ledger: billing.NewMemoryLedgerStore(),
		cache:  profilecache.NewMemoryStore(),
		now:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = billing.NewService(
		billing.Config{FreePlanID: plans.FreePlanID, PendingOrderTTL: 24 * time.Hour},
		plans.Default(),
		adapters,
		env.orders,
		env.subs,
		env.ledger,
		env.cache,
		nil,
		billing.WithClock(func() time.Time { return env.now }),
	)
	return env
}

func (e *testEnv) pendingOrder(t *testing.T, gw gateway.Gateway, orderRef string, userID uuid.UUID) {
	t.Helper()

	require.NoError(t, e.orders.Create(context.Background(), &billing.PendingGatewayOrder{
		Gateway:   gw,
		OrderRef:  orderRef,
		UserID:    userID,
		PlanID:    "professional",
		Cycle:     plans.CycleMonthly,
		CreatedAt: e.now,
	}))
}

func checkoutCompleted(gw gateway.Gateway, orderRef, subRef string) *gateway.Event {
	return &gateway.Event{
		Type:            gateway.EventCheckoutCompleted,
		Gateway:         gw,
		OrderRef:        orderRef,
		SubscriptionRef: subRef,
	}
}

func TestCreateCheckout(t *testing.T) {
	t.Parallel()

	t.Run("records pending order", func(t *testing.T) {
		t.Parallel()

		adapter := &fakeAdapter{
			gw:       gateway.GatewayStripe,
			checkout: &gateway.Checkout{Gateway: gateway.GatewayStripe, OrderRef: "cs_1", RedirectURL: "https://stripe/session"},
		}
		env := newTestEnv(t, adapter)
		userID := uuid.New()

		checkout, err := env.svc.CreateCheckout(context.Background(), billing.CheckoutParams{
			Gateway: gateway.GatewayStripe,
			PlanID:  "professional",
			Cycle:   plans.CycleMonthly,
			UserID:  userID,
		})
		require.NoError(t, err)
		assert.Equal(t, "https://stripe/session", checkout.RedirectURL)

		order, err := env.orders.Get(context.Background(), gateway.GatewayStripe, "cs_1")
		require.NoError(t, err)
		assert.Equal(t, userID, order.UserID)
		assert.Equal(t, "professional", order.PlanID)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		_, err := env.svc.CreateCheckout(context.Background(), billing.CheckoutParams{PlanID: "enterprise"})
		assert.ErrorIs(t, err, plans.ErrPlanNotFound)
	})

	t.Run("unknown gateway", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		_, err := env.svc.CreateCheckout(context.Background(), billing.CheckoutParams{
			Gateway: gateway.GatewayStripe,
			PlanID:  "professional",
		})
		assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
	})

	t.Run("free plan activates without a processor", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()

		checkout, err := env.svc.CreateCheckout(context.Background(), billing.CheckoutParams{
			PlanID:     plans.FreePlanID,
			UserID:     userID,
			SuccessURL: "https://app/welcome",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://app/welcome", checkout.RedirectURL)

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, plans.FreePlanID, sub.PlanID)
		assert.Equal(t, billing.StatusActive, sub.Status)

		entry, ok, err := env.cache.Get(context.Background(), userID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, plans.FreePlanID, entry.PlanID)
	})
}

func TestCheckoutCompletedEvent(t *testing.T) {
	t.Parallel()

	t.Run("creates active subscription", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)

		err := env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1"))
		require.NoError(t, err)

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, "professional", sub.PlanID)
		assert.Equal(t, "sub_1", sub.ProviderRef)
		assert.Equal(t, env.now.AddDate(0, 0, 30), sub.CurrentPeriodEnd)

		entry, ok, err := env.cache.Get(context.Background(), userID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "active", entry.Status)
	})

	t.Run("no pending order", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		err := env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_missing", "sub_1"))
		assert.ErrorIs(t, err, billing.ErrLinkageNotFound)
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)

		event := checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")
		require.NoError(t, env.svc.Apply(context.Background(), event))

		before, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)

		require.NoError(t, env.svc.Apply(context.Background(), event))

		after, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
	})

	t.Run("echoed identity must match the pending order", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)

		event := checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")
		event.UserID = uuid.NewString()
		err := env.svc.Apply(context.Background(), event)
		assert.ErrorIs(t, err, billing.ErrOrderMismatch)

		event = checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")
		event.PlanID = "business"
		err = env.svc.Apply(context.Background(), event)
		assert.ErrorIs(t, err, billing.ErrOrderMismatch)

		_, err = env.svc.GetSubscription(context.Background(), userID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

		// A matching echo processes normally.
		event = checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")
		event.UserID = userID.String()
		event.PlanID = "professional"
		require.NoError(t, env.svc.Apply(context.Background(), event))
	})

	t.Run("resubscribe after cancellation starts a new lifecycle", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:            gateway.EventSubscriptionCanceled,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
		}))

		env.pendingOrder(t, gateway.GatewayStripe, "cs_2", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_2", "sub_2")))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, "sub_2", sub.ProviderRef)
		assert.Equal(t, "professional", sub.PlanID)
	})
}

func TestPaymentSucceededEvent(t *testing.T) {
	t.Parallel()

	renewal := func(paymentRef string, amount int64) *gateway.Event {
		return &gateway.Event{
			Type:            gateway.EventSubscriptionRenewed,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			PaymentRef:      paymentRef,
			Amount:          decimal.NewFromInt(amount),
			Currency:        "USD",
		}
	}

	setup := func(t *testing.T) (*testEnv, uuid.UUID) {
		t.Helper()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		return env, userID
	}

	t.Run("extends period and records ledger", func(t *testing.T) {
		t.Parallel()

		env, userID := setup(t)
		firstEnd := env.now.AddDate(0, 0, 30)

		require.NoError(t, env.svc.Apply(context.Background(), renewal("pi_1", 79)))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, firstEnd.AddDate(0, 0, 30), sub.CurrentPeriodEnd)

		entries := env.ledger.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, billing.OutcomeCompleted, entries[0].Outcome)
		assert.Equal(t, userID, entries[0].UserID)
		assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(79)))
	})

	t.Run("replay does not extend twice", func(t *testing.T) {
		t.Parallel()

		env, userID := setup(t)
		event := renewal("pi_1", 79)

		require.NoError(t, env.svc.Apply(context.Background(), event))
		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		extendedOnce := sub.CurrentPeriodEnd

		require.NoError(t, env.svc.Apply(context.Background(), event))
		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, extendedOnce, sub.CurrentPeriodEnd)
		assert.Len(t, env.ledger.Entries(), 1)
	})

	t.Run("reactivates past due subscription", func(t *testing.T) {
		t.Parallel()

		env, userID := setup(t)
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:            gateway.EventSubscriptionUpdated,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			Status:          "past_due",
		}))

		require.NoError(t, env.svc.Apply(context.Background(), renewal("pi_2", 79)))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("explicit period end wins when later", func(t *testing.T) {
		t.Parallel()

		env, userID := setup(t)
		target := env.now.AddDate(0, 2, 0)
		event := renewal("pi_1", 79)
		event.NewPeriodEnd = target

		require.NoError(t, env.svc.Apply(context.Background(), event))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, target, sub.CurrentPeriodEnd)
	})

	t.Run("stale period end is absorbed", func(t *testing.T) {
		t.Parallel()

		env, userID := setup(t)
		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		current := sub.CurrentPeriodEnd

		event := renewal("pi_late", 79)
		event.NewPeriodEnd = current.AddDate(0, 0, -10)

		require.NoError(t, env.svc.Apply(context.Background(), event))

		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, current, sub.CurrentPeriodEnd)
	})

	t.Run("payment before checkout completion is ledger only", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)

		err := env.svc.Apply(context.Background(), &gateway.Event{
			Type:       gateway.EventPaymentSucceeded,
			Gateway:    gateway.GatewayStripe,
			OrderRef:   "cs_1",
			PaymentRef: "pi_early",
			Amount:     decimal.NewFromInt(79),
			Currency:   "USD",
		})
		require.NoError(t, err)

		_, err = env.svc.GetSubscription(context.Background(), userID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
		assert.Len(t, env.ledger.Entries(), 1)
	})

	t.Run("no linkage at all", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		err := env.svc.Apply(context.Background(), renewal("pi_orphan", 79))
		assert.ErrorIs(t, err, billing.ErrLinkageNotFound)
	})

	t.Run("stale ref does not touch a newer lifecycle", func(t *testing.T) {
		t.Parallel()

		env, userID := setup(t)

		// The user re-subscribed through a second checkout.
		env.pendingOrder(t, gateway.GatewayStripe, "cs_2", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_2", "sub_2")))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		current := sub.CurrentPeriodEnd

		// A late renewal for the superseded lifecycle lands via the old
		// order ref.
		err = env.svc.Apply(context.Background(), &gateway.Event{
			Type:       gateway.EventPaymentSucceeded,
			Gateway:    gateway.GatewayStripe,
			OrderRef:   "cs_1",
			PaymentRef: "pi_old",
			Amount:     decimal.NewFromInt(79),
			Currency:   "USD",
		})
		require.NoError(t, err)

		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, current, sub.CurrentPeriodEnd, "stale event must not extend the new lifecycle")
	})
}

// newFlakyEnv wires the service over a subscription store whose writes can be
// made to fail on demand.
func newFlakyEnv(t *testing.T) (*testEnv, *flakySubscriptionStore) {
	t.Helper()

	flaky := &flakySubscriptionStore{MemorySubscriptionStore: billing.NewMemorySubscriptionStore()}
	env := &testEnv{
		orders: billing.NewMemoryOrderStore(),
		subs:   flaky.MemorySubscriptionStore,
		ledger: billing.NewMemoryLedgerStore(),
		cache:  profilecache.NewMemoryStore(),
		now:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = billing.NewService(
		billing.Config{FreePlanID: plans.FreePlanID, PendingOrderTTL: 24 * time.Hour},
		plans.Default(),
		nil,
		env.orders,
		flaky,
		env.ledger,
		env.cache,
		nil,
		billing.WithClock(func() time.Time { return env.now }),
	)
	return env, flaky
}

func TestRedeliveryConvergence(t *testing.T) {
	t.Parallel()

	t.Run("renewal finishes on redelivery after lost row write", func(t *testing.T) {
		t.Parallel()

		env, flaky := newFlakyEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		firstEnd := env.now.AddDate(0, 0, 30)

		renewal := &gateway.Event{
			Type:            gateway.EventSubscriptionRenewed,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			PaymentRef:      "pi_1",
			Amount:          decimal.NewFromInt(79),
			Currency:        "USD",
		}

		// The ledger entry commits, then the row write is lost.
		flaky.failures = 1
		require.Error(t, env.svc.Apply(context.Background(), renewal))
		require.Len(t, env.ledger.Entries(), 1)

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.Equal(t, firstEnd, sub.CurrentPeriodEnd)

		// The gateway redelivers; the extension must land despite the
		// duplicate ledger entry.
		require.NoError(t, env.svc.Apply(context.Background(), renewal))

		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, firstEnd.AddDate(0, 0, 30), sub.CurrentPeriodEnd)
		assert.Len(t, env.ledger.Entries(), 1)

		// A further replay after convergence stays put.
		require.NoError(t, env.svc.Apply(context.Background(), renewal))
		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, firstEnd.AddDate(0, 0, 30), sub.CurrentPeriodEnd)
	})

	t.Run("refund cancels on redelivery after lost row write", func(t *testing.T) {
		t.Parallel()

		env, flaky := newFlakyEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:            gateway.EventSubscriptionRenewed,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			PaymentRef:      "pi_1",
			Amount:          decimal.NewFromInt(79),
			Currency:        "USD",
		}))

		refund := &gateway.Event{
			Type:       gateway.EventRefunded,
			Gateway:    gateway.GatewayStripe,
			PaymentRef: "pi_1",
		}

		flaky.failures = 1
		require.Error(t, env.svc.Apply(context.Background(), refund))
		require.Len(t, env.ledger.Entries(), 2)

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.Equal(t, billing.StatusActive, sub.Status)

		require.NoError(t, env.svc.Apply(context.Background(), refund))

		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
		assert.Equal(t, plans.FreePlanID, sub.PlanID)
		assert.Len(t, env.ledger.Entries(), 2)
	})
}

func TestSingleChargeGrantsOnePeriod(t *testing.T) {
	t.Parallel()

	t.Run("order paid then its capture", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayRazorpay, "order_1", userID)

		completion := checkoutCompleted(gateway.GatewayRazorpay, "order_1", "")
		completion.PaymentRef = "pay_1"
		require.NoError(t, env.svc.Apply(context.Background(), completion))

		firstEnd := env.now.AddDate(0, 0, 30)
		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		require.Equal(t, firstEnd, sub.CurrentPeriodEnd)

		// The processor also reports the capture of the same charge.
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:       gateway.EventPaymentSucceeded,
			Gateway:    gateway.GatewayRazorpay,
			OrderRef:   "order_1",
			PaymentRef: "pay_1",
			Amount:     decimal.NewFromInt(6499),
			Currency:   "INR",
		}))

		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, firstEnd, sub.CurrentPeriodEnd, "one charge must grant one period")
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Len(t, env.ledger.Entries(), 1)
	})

	t.Run("order approved then capture with its own ref", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayPayPal, "ORD-1", userID)

		// The approval carries no payment id of its own.
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayPayPal, "ORD-1", "")))

		firstEnd := env.now.AddDate(0, 0, 30)

		capture := &gateway.Event{
			Type:       gateway.EventPaymentSucceeded,
			Gateway:    gateway.GatewayPayPal,
			OrderRef:   "ORD-1",
			PaymentRef: "CAP-1",
			Amount:     decimal.NewFromInt(79),
			Currency:   "USD",
		}
		require.NoError(t, env.svc.Apply(context.Background(), capture))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, firstEnd, sub.CurrentPeriodEnd, "one charge must grant one period")
		assert.Len(t, env.ledger.Entries(), 1)

		// The capture replays like any webhook.
		require.NoError(t, env.svc.Apply(context.Background(), capture))
		sub, err = env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, firstEnd, sub.CurrentPeriodEnd)
		assert.Len(t, env.ledger.Entries(), 1)
	})

	t.Run("processor supplied period end still applies", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayPayPal, "ORD-1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayPayPal, "ORD-1", "")))

		target := env.now.AddDate(0, 0, 45)
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:         gateway.EventPaymentSucceeded,
			Gateway:      gateway.GatewayPayPal,
			OrderRef:     "ORD-1",
			PaymentRef:   "CAP-1",
			Amount:       decimal.NewFromInt(79),
			Currency:     "USD",
			NewPeriodEnd: target,
		}))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, target, sub.CurrentPeriodEnd)
	})
}

func TestPaymentFailedEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()
	env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
	require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))

	sub, err := env.svc.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	statusBefore := sub.Status

	err = env.svc.Apply(context.Background(), &gateway.Event{
		Type:            gateway.EventPaymentFailed,
		Gateway:         gateway.GatewayStripe,
		SubscriptionRef: "sub_1",
		PaymentRef:      "in_failed",
		Amount:          decimal.NewFromInt(79),
		Currency:        "USD",
		Reason:          "card declined",
	})
	require.NoError(t, err)

	entries := env.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, billing.OutcomeFailed, entries[0].Outcome)

	// The failure itself does not move the state machine.
	sub, err = env.svc.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, statusBefore, sub.Status)
}

func TestSubscriptionUpdatedEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()
	env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
	require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))

	err := env.svc.Apply(context.Background(), &gateway.Event{
		Type:              gateway.EventSubscriptionUpdated,
		Gateway:           gateway.GatewayStripe,
		SubscriptionRef:   "sub_1",
		CancelAtPeriodEnd: true,
		Status:            "active",
	})
	require.NoError(t, err)

	sub, err := env.svc.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, billing.StatusActive, sub.Status)
}

func TestRefundedEvent(t *testing.T) {
	t.Parallel()

	t.Run("cancels and reverts to free plan", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:            gateway.EventSubscriptionRenewed,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			PaymentRef:      "pi_1",
			Amount:          decimal.NewFromInt(79),
			Currency:        "USD",
		}))

		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:       gateway.EventRefunded,
			Gateway:    gateway.GatewayStripe,
			PaymentRef: "pi_1",
			Amount:     decimal.NewFromInt(79),
		}))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)
		assert.Equal(t, plans.FreePlanID, sub.PlanID)
		assert.Equal(t, env.now, sub.CurrentPeriodEnd)

		entries := env.ledger.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, billing.OutcomeRefunded, entries[1].Outcome)
	})

	t.Run("unknown payment ref", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		err := env.svc.Apply(context.Background(), &gateway.Event{
			Type:       gateway.EventRefunded,
			Gateway:    gateway.GatewayStripe,
			PaymentRef: "pi_unknown",
		})
		assert.ErrorIs(t, err, billing.ErrLinkageNotFound)
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:            gateway.EventSubscriptionRenewed,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			PaymentRef:      "pi_1",
			Amount:          decimal.NewFromInt(79),
			Currency:        "USD",
		}))

		refund := &gateway.Event{
			Type:       gateway.EventRefunded,
			Gateway:    gateway.GatewayStripe,
			PaymentRef: "pi_1",
		}
		require.NoError(t, env.svc.Apply(context.Background(), refund))
		require.NoError(t, env.svc.Apply(context.Background(), refund))

		assert.Len(t, env.ledger.Entries(), 2)
	})

	t.Run("refund after resubscribe leaves new lifecycle alone", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		userID := uuid.New()
		env.pendingOrder(t, gateway.GatewayStripe, "cs_1", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_1", "sub_1")))
		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:            gateway.EventSubscriptionRenewed,
			Gateway:         gateway.GatewayStripe,
			SubscriptionRef: "sub_1",
			PaymentRef:      "pi_1",
			Amount:          decimal.NewFromInt(79),
			Currency:        "USD",
		}))

		env.pendingOrder(t, gateway.GatewayStripe, "cs_2", userID)
		require.NoError(t, env.svc.Apply(context.Background(), checkoutCompleted(gateway.GatewayStripe, "cs_2", "sub_2")))

		require.NoError(t, env.svc.Apply(context.Background(), &gateway.Event{
			Type:       gateway.EventRefunded,
			Gateway:    gateway.GatewayStripe,
			PaymentRef: "pi_1",
		}))

		sub, err := env.svc.GetSubscription(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, "sub_2", sub.ProviderRef)
	})
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()

	t.Run("verification failure propagates", func(t *testing.T) {
		t.Parallel()

		adapter := &fakeAdapter{gw: gateway.GatewayRazorpay, verifyErr: gateway.ErrVerificationFailed}
		env := newTestEnv(t, adapter)

		err := env.svc.HandleWebhook(context.Background(), gateway.GatewayRazorpay, []byte("{}"), http.Header{})
		assert.ErrorIs(t, err, gateway.ErrVerificationFailed)
	})

	t.Run("unknown gateway", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		err := env.svc.HandleWebhook(context.Background(), gateway.GatewayStripe, []byte("{}"), http.Header{})
		assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
	})

	t.Run("ignorable event succeeds without effects", func(t *testing.T) {
		t.Parallel()

		adapter := &fakeAdapter{
			gw:    gateway.GatewayStripe,
			event: &gateway.Event{Type: gateway.EventIgnorable, Gateway: gateway.GatewayStripe},
		}
		env := newTestEnv(t, adapter)

		err := env.svc.HandleWebhook(context.Background(), gateway.GatewayStripe, []byte("{}"), http.Header{})
		require.NoError(t, err)
		assert.Empty(t, env.ledger.Entries())
	})
}

func TestSweepAbandonedOrders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	userID := uuid.New()

	require.NoError(t, env.orders.Create(context.Background(), &billing.PendingGatewayOrder{
		Gateway:   gateway.GatewayStripe,
		OrderRef:  "cs_stale",
		UserID:    userID,
		PlanID:    "professional",
		Cycle:     plans.CycleMonthly,
		CreatedAt: env.now.Add(-48 * time.Hour),
	}))
	env.pendingOrder(t, gateway.GatewayStripe, "cs_fresh", userID)

	removed, err := env.svc.SweepAbandonedOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = env.orders.Get(context.Background(), gateway.GatewayStripe, "cs_stale")
	assert.ErrorIs(t, err, billing.ErrLinkageNotFound)
	_, err = env.orders.Get(context.Background(), gateway.GatewayStripe, "cs_fresh")
	assert.NoError(t, err)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    billing.Status
		to      billing.Status
		allowed bool
	}{
		{from: "", to: billing.StatusActive, allowed: true},
		{from: billing.StatusActive, to: billing.StatusPastDue, allowed: true},
		{from: billing.StatusActive, to: billing.StatusCanceled, allowed: true},
		{from: billing.StatusPastDue, to: billing.StatusActive, allowed: true},
		{from: billing.StatusPastDue, to: billing.StatusCanceled, allowed: true},
		{from: billing.StatusCanceled, to: billing.StatusActive, allowed: true},
		{from: "", to: billing.StatusPastDue, allowed: false},
		{from: billing.StatusCanceled, to: billing.StatusPastDue, allowed: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, billing.CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

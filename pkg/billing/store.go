package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/crmstack/billing/pkg/gateway"
)

// OrderStore persists checkout-time linkage records.
type OrderStore interface {
	// Create records a pending order. Returns ErrOrderExists when an
	// unconsumed order with the same (gateway, orderRef) key exists.
	Create(ctx context.Context, order *PendingGatewayOrder) error

	// Get looks up a pending order by its natural key.
	// Returns ErrLinkageNotFound when absent.
	Get(ctx context.Context, gw gateway.Gateway, orderRef string) (*PendingGatewayOrder, error)

	// DeleteExpired garbage-collects abandoned checkouts created before the
	// cutoff and returns how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// SubscriptionStore persists the authoritative subscription rows.
type SubscriptionStore interface {
	// GetByUserID returns the user's subscription row.
	// Returns ErrSubscriptionNotFound when the user never subscribed.
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetByProviderRef finds the subscription carrying the given gateway
	// reference. Returns ErrSubscriptionNotFound when absent.
	GetByProviderRef(ctx context.Context, gw gateway.Gateway, ref string) (*Subscription, error)

	// Create inserts a new row with Version 1. Returns ErrSubscriptionExists
	// when the user already has one.
	Create(ctx context.Context, sub *Subscription) error

	// UpdateCAS writes sub only if the stored version still equals
	// sub.Version, then increments it. Returns ErrVersionConflict otherwise.
	UpdateCAS(ctx context.Context, sub *Subscription) error
}

// LedgerStore appends immutable payment records.
type LedgerStore interface {
	// Insert appends an entry. Returns created=false without error when an
	// entry with the same (gateway, paymentRef, outcome) already exists;
	// this is the idempotency boundary for replayed webhooks.
	Insert(ctx context.Context, entry *LedgerEntry) (created bool, err error)

	// GetByPaymentRef finds the entry for a gateway payment reference,
	// preferring the completed outcome. Returns ErrLinkageNotFound when no
	// entry exists.
	GetByPaymentRef(ctx context.Context, gw gateway.Gateway, paymentRef string) (*LedgerEntry, error)
}

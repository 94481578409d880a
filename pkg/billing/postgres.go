package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmstack/billing/pkg/gateway"
	"github.com/crmstack/billing/pkg/pg"
)

// PostgresOrderStore is the pgx-backed OrderStore.
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderStore returns an OrderStore backed by pending_gateway_orders.
func NewPostgresOrderStore(pool *pgxpool.Pool) *PostgresOrderStore {
	return &PostgresOrderStore{pool: pool}
}

func (s *PostgresOrderStore) Create(ctx context.Context, order *PendingGatewayOrder) error {
	query := `
INSERT INTO pending_gateway_orders (gateway, order_ref, user_id, plan_id, billing_cycle, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := s.pool.Exec(ctx, query,
		order.Gateway,
		order.OrderRef,
		order.UserID,
		order.PlanID,
		order.Cycle,
		order.CreatedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrOrderExists
		}
		return err
	}
	return nil
}

func (s *PostgresOrderStore) Get(ctx context.Context, gw gateway.Gateway, orderRef string) (*PendingGatewayOrder, error) {
	query := `
SELECT gateway, order_ref, user_id, plan_id, billing_cycle, created_at
FROM pending_gateway_orders
WHERE gateway = $1 AND order_ref = $2
`
	var order PendingGatewayOrder
	err := s.pool.QueryRow(ctx, query, gw, orderRef).Scan(
		&order.Gateway,
		&order.OrderRef,
		&order.UserID,
		&order.PlanID,
		&order.Cycle,
		&order.CreatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrLinkageNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *PostgresOrderStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pending_gateway_orders WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PostgresSubscriptionStore is the pgx-backed SubscriptionStore.
type PostgresSubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionStore returns a SubscriptionStore backed by
// subscriptions.
func NewPostgresSubscriptionStore(pool *pgxpool.Pool) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{pool: pool}
}

const subscriptionColumns = `user_id, plan_id, status, gateway, provider_ref, initial_order_ref,
last_payment_ref, billing_cycle, current_period_end, cancel_at_period_end, version, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.UserID,
		&sub.PlanID,
		&sub.Status,
		&sub.Gateway,
		&sub.ProviderRef,
		&sub.InitialOrderRef,
		&sub.LastPaymentRef,
		&sub.Cycle,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresSubscriptionStore) GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	return scanSubscription(s.pool.QueryRow(ctx, query, userID))
}

func (s *PostgresSubscriptionStore) GetByProviderRef(ctx context.Context, gw gateway.Gateway, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE gateway = $1 AND provider_ref = $2`
	return scanSubscription(s.pool.QueryRow(ctx, query, gw, ref))
}

func (s *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	query := `
INSERT INTO subscriptions (user_id, plan_id, status, gateway, provider_ref, initial_order_ref,
	last_payment_ref, billing_cycle, current_period_end, cancel_at_period_end, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	_, err := s.pool.Exec(ctx, query,
		sub.UserID,
		sub.PlanID,
		sub.Status,
		sub.Gateway,
		sub.ProviderRef,
		sub.InitialOrderRef,
		sub.LastPaymentRef,
		sub.Cycle,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.Version,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrSubscriptionExists
		}
		return err
	}
	return nil
}

// UpdateCAS writes the row only when the stored version still matches. The
// version bump in the same statement is what serializes competing webhook
// deliveries without row locks.
func (s *PostgresSubscriptionStore) UpdateCAS(ctx context.Context, sub *Subscription) error {
	query := `
UPDATE subscriptions
SET plan_id = $3,
    status = $4,
    gateway = $5,
    provider_ref = $6,
    initial_order_ref = $7,
    last_payment_ref = $8,
    billing_cycle = $9,
    current_period_end = $10,
    cancel_at_period_end = $11,
    version = version + 1,
    updated_at = $12
WHERE user_id = $1 AND version = $2
`
	tag, err := s.pool.Exec(ctx, query,
		sub.UserID,
		sub.Version,
		sub.PlanID,
		sub.Status,
		sub.Gateway,
		sub.ProviderRef,
		sub.InitialOrderRef,
		sub.LastPaymentRef,
		sub.Cycle,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// PostgresLedgerStore is the pgx-backed LedgerStore.
type PostgresLedgerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerStore returns a LedgerStore backed by payment_ledger.
func NewPostgresLedgerStore(pool *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{pool: pool}
}

// Insert appends the entry. ON CONFLICT DO NOTHING against the
// (gateway, payment_ref, outcome) unique key makes replayed webhooks report
// created=false instead of erroring.
func (s *PostgresLedgerStore) Insert(ctx context.Context, entry *LedgerEntry) (bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
INSERT INTO payment_ledger (id, user_id, gateway, amount, currency, outcome,
	subscription_ref, payment_ref, order_ref, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (gateway, payment_ref, outcome) DO NOTHING
`
	tag, err := s.pool.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Gateway,
		entry.Amount,
		entry.Currency,
		entry.Outcome,
		entry.SubscriptionRef,
		entry.PaymentRef,
		entry.OrderRef,
		entry.RecordedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresLedgerStore) GetByPaymentRef(ctx context.Context, gw gateway.Gateway, paymentRef string) (*LedgerEntry, error) {
	query := `
SELECT id, user_id, gateway, amount, currency, outcome,
	subscription_ref, payment_ref, order_ref, recorded_at
FROM payment_ledger
WHERE gateway = $1 AND payment_ref = $2
ORDER BY (outcome = 'completed') DESC, recorded_at ASC
LIMIT 1
`
	var entry LedgerEntry
	err := s.pool.QueryRow(ctx, query, gw, paymentRef).Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Gateway,
		&entry.Amount,
		&entry.Currency,
		&entry.Outcome,
		&entry.SubscriptionRef,
		&entry.PaymentRef,
		&entry.OrderRef,
		&entry.RecordedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrLinkageNotFound
		}
		return nil, err
	}
	return &entry, nil
}

package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crmstack/billing/pkg/gateway"
)

type orderKey struct {
	gateway  gateway.Gateway
	orderRef string
}

// MemoryOrderStore is an in-memory OrderStore for tests and local runs.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[orderKey]PendingGatewayOrder
}

// NewMemoryOrderStore creates an empty in-memory order store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[orderKey]PendingGatewayOrder)}
}

func (s *MemoryOrderStore) Create(_ context.Context, order *PendingGatewayOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{order.Gateway, order.OrderRef}
	if _, ok := s.orders[key]; ok {
		return ErrOrderExists
	}
	s.orders[key] = *order
	return nil
}

func (s *MemoryOrderStore) Get(_ context.Context, gw gateway.Gateway, orderRef string) (*PendingGatewayOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderKey{gw, orderRef}]
	if !ok {
		return nil, ErrLinkageNotFound
	}
	return &order, nil
}

func (s *MemoryOrderStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, order := range s.orders {
		if order.CreatedAt.Before(cutoff) {
			delete(s.orders, key)
			removed++
		}
	}
	return removed, nil
}

// MemorySubscriptionStore is an in-memory SubscriptionStore with the same
// compare-and-set semantics as the postgres implementation.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]Subscription
}

// NewMemorySubscriptionStore creates an empty in-memory subscription store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[uuid.UUID]Subscription)}
}

func (s *MemorySubscriptionStore) GetByUserID(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *MemorySubscriptionStore) GetByProviderRef(_ context.Context, gw gateway.Gateway, ref string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.Gateway == gw && sub.ProviderRef == ref && ref != "" {
			return &sub, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.UserID]; ok {
		return ErrSubscriptionExists
	}
	s.subs[sub.UserID] = *sub
	return nil
}

func (s *MemorySubscriptionStore) UpdateCAS(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[sub.UserID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if current.Version != sub.Version {
		return ErrVersionConflict
	}

	next := *sub
	next.Version++
	s.subs[sub.UserID] = next
	return nil
}

type ledgerKey struct {
	gateway    gateway.Gateway
	paymentRef string
	outcome    Outcome
}

// MemoryLedgerStore is an in-memory LedgerStore enforcing the same unique
// key as the postgres table.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	entries []LedgerEntry
	keys    map[ledgerKey]struct{}
}

// NewMemoryLedgerStore creates an empty in-memory ledger.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{keys: make(map[ledgerKey]struct{})}
}

func (s *MemoryLedgerStore) Insert(_ context.Context, entry *LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{entry.Gateway, entry.PaymentRef, entry.Outcome}
	if _, ok := s.keys[key]; ok {
		return false, nil
	}

	stored := *entry
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	s.keys[key] = struct{}{}
	s.entries = append(s.entries, stored)
	return true, nil
}

func (s *MemoryLedgerStore) GetByPaymentRef(_ context.Context, gw gateway.Gateway, paymentRef string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fallback *LedgerEntry
	for i := range s.entries {
		entry := s.entries[i]
		if entry.Gateway != gw || entry.PaymentRef != paymentRef {
			continue
		}
		if entry.Outcome == OutcomeCompleted {
			return &entry, nil
		}
		if fallback == nil {
			fallback = &entry
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrLinkageNotFound
}

// Entries returns a copy of all recorded entries, oldest first.
func (s *MemoryLedgerStore) Entries() []LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LedgerEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

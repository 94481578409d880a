// Package profilecache holds the denormalized subscription projection the UI
// reads from the user profile. Entries are derived data: always rebuilt
// wholesale from the authoritative subscription row, never patched field by
// field, so re-running a sync is always safe.
package profilecache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrCacheUnavailable = errors.New("profile cache unavailable")

// Entry is the fast-read copy of a user's subscription state.
type Entry struct {
	PlanID            string    `json:"planId"`
	Status            string    `json:"status"`
	Gateway           string    `json:"gateway"`
	CurrentPeriodEnd  time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd"`
}

// Store is the cache backend. Set overwrites the whole entry.
type Store interface {
	Set(ctx context.Context, userID uuid.UUID, entry Entry) error
	Get(ctx context.Context, userID uuid.UUID) (Entry, bool, error)
	Delete(ctx context.Context, userID uuid.UUID) error
}

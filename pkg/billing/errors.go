package billing

import "errors"

var (
	// ErrLinkageNotFound means a webhook referenced an order, subscription
	// or payment this system never recorded. Surfaced as a retryable
	// failure since the linkage row may still be in flight from checkout
	// creation.
	ErrLinkageNotFound = errors.New("no linkage record for webhook reference")

	// ErrOrderMismatch means a verified webhook's embedded identity
	// contradicts the pending order it resolves to. Never processed; the
	// pending order written at checkout is the authoritative linkage.
	ErrOrderMismatch = errors.New("webhook identity does not match pending order")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrOrderExists          = errors.New("pending gateway order already exists")

	// ErrVersionConflict is the compare-and-set miss: another event for the
	// same user committed first. Callers re-read and retry.
	ErrVersionConflict = errors.New("subscription version conflict")
)

package billing

// allowedTransitions is the subscription state machine. The empty status is
// the NONE state before first checkout. Canceled is terminal for a lifecycle
// but a user may re-subscribe under a fresh provider ref, which re-enters
// active.
var allowedTransitions = map[Status][]Status{
	"":             {StatusActive},
	StatusActive:   {StatusActive, StatusPastDue, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusCanceled: {StatusActive},
}

// CanTransition reports whether the lifecycle permits moving between the two
// states.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// normalizeProviderStatus maps the processors' heterogeneous subscription
// status strings onto the internal lifecycle states. Unknown strings return
// false so callers keep the current state instead of guessing.
func normalizeProviderStatus(s string) (Status, bool) {
	switch s {
	case "active", "trialing", "APPROVED", "ACTIVE":
		return StatusActive, true
	case "past_due", "unpaid", "halted", "pending", "SUSPENDED":
		return StatusPastDue, true
	case "canceled", "cancelled", "expired", "completed", "CANCELLED", "EXPIRED":
		return StatusCanceled, true
	}
	return "", false
}

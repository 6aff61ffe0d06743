// Package checkout holds the checkout-session status machine and the session
// record shape. The transition table here is the single legal-move
// authority; a status write that bypasses it is a bug by definition.
package checkout

import "time"

// Status of a checkout session.
type Status string

const (
	StatusOpen                          Status = "open"
	StatusCompletedPendingSubscription  Status = "completed_pending_subscription"
	StatusRecoveryVerificationPending   Status = "recovery_verification_pending"
	StatusCompletedReconciled           Status = "completed_reconciled"
	StatusExpired                       Status = "expired"
	StatusAbandoned                     Status = "abandoned"
)

// Statuses lists every declared status; tests assert the transition table is
// exhaustive over it.
var Statuses = []Status{
	StatusOpen,
	StatusCompletedPendingSubscription,
	StatusRecoveryVerificationPending,
	StatusCompletedReconciled,
	StatusExpired,
	StatusAbandoned,
}

// allowedTransitions maps each status to its allowed successors. Terminal
// statuses have an entry with no successors so the table stays exhaustive.
var allowedTransitions = map[Status][]Status{
	StatusOpen: {
		StatusCompletedPendingSubscription,
		StatusExpired,
		StatusAbandoned,
	},
	StatusCompletedPendingSubscription: {
		StatusCompletedReconciled,
		StatusAbandoned,
	},
	StatusRecoveryVerificationPending: {
		StatusOpen,
		StatusCompletedPendingSubscription,
		StatusCompletedReconciled,
		StatusExpired,
		StatusAbandoned,
	},
	StatusCompletedReconciled: {},
	StatusExpired:             {},
	StatusAbandoned:           {},
}

// CanTransition reports whether current -> next is a legal move. A
// same-status move is always legal (idempotent no-op).
func CanTransition(current, next Status) bool {
	if next == current {
		_, known := allowedTransitions[current]
		return known
	}
	for _, s := range allowedTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges.
func (s Status) IsTerminal() bool {
	succ, known := allowedTransitions[s]
	return known && len(succ) == 0
}

// IsBlocking reports whether s counts as "a checkout is in progress for this
// entity", blocking a second checkout under a different client key.
func (s Status) IsBlocking() bool {
	switch s {
	case StatusOpen, StatusCompletedPendingSubscription, StatusRecoveryVerificationPending:
		return true
	}
	return false
}

// Session is the checkout-session record, keyed by (provider, operation
// key); the provider session id is optional until the provider allocates
// one.
type Session struct {
	ID                string
	Provider          string
	OperationKey      string
	EntityID          string
	ProviderSessionID string
	Status            Status
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

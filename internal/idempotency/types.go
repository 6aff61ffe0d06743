package idempotency

import "time"

// Action is the provider-write family an idempotency row mediates.
type Action string

const (
	ActionCheckout    Action = "checkout"
	ActionPortal      Action = "portal"
	ActionPaymentLink Action = "payment_link"
)

// KnownAction reports whether a is one of the supported actions.
func KnownAction(a Action) bool {
	switch a {
	case ActionCheckout, ActionPortal, ActionPaymentLink:
		return true
	}
	return false
}

// Status values for idempotency rows. Succeeded, failed and expired are
// terminal and never transition again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

// Record is one idempotency row: one per (billable entity, action,
// client-supplied idempotency key).
type Record struct {
	ID        string
	EntityID  string
	Action    Action
	ClientKey string
	Provider  string

	// Request identity. The fingerprint hash is immutable once set; a
	// replay with a different fingerprint is a conflict.
	RequestFingerprintHash string
	NormalizedRequestJSON  string

	// OperationKey is reproducible from stable inputs only, so the provider
	// idempotency key derived from it survives process restarts and client
	// key rotation within the same logical attempt lineage.
	OperationKey           string
	ProviderIdempotencyKey string

	// Provider request identity, frozen at most once per attempt.
	ProviderRequestParamsJSON    string
	ProviderRequestHash          string
	ProviderRequestSchemaVersion string
	ProviderSDKName              string
	ProviderSDKVersion           string
	ProviderAPIVersion           string
	ProviderRequestFrozenAt      *time.Time

	ProviderIdempotencyReplayDeadlineAt *time.Time
	ProviderSessionExpiresUpperBoundAt  *time.Time

	// Outcome.
	Status            Status
	ResponseJSON      string
	ProviderSessionID string
	FailureCode       string
	FailureReason     string

	// Lease bookkeeping. LeaseVersion strictly increases on every lease
	// acquisition and every lease-fenced mutation.
	PendingLeaseExpiresAt  *time.Time
	PendingLastHeartbeatAt *time.Time
	LeaseOwner             string
	LeaseVersion           int64
	RecoveryAttemptCount   int
	LastRecoveryAttemptAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseExpired reports whether the pending lease has lapsed at the given
// instant. A row without a lease expiry counts as expired.
func (r *Record) LeaseExpired(now time.Time) bool {
	return r.PendingLeaseExpiresAt == nil || !r.PendingLeaseExpiresAt.After(now)
}

// ClaimOutcome is the disposition returned by ClaimOrReplay.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed                    ClaimOutcome = "claimed"
	ClaimOutcomeReplaySucceeded            ClaimOutcome = "replay_succeeded"
	ClaimOutcomeReplayTerminal             ClaimOutcome = "replay_terminal"
	ClaimOutcomeInProgressSameKey          ClaimOutcome = "in_progress_same_key"
	ClaimOutcomeCheckoutInProgressOtherKey ClaimOutcome = "checkout_in_progress_other_key"
	ClaimOutcomeRecoverPending             ClaimOutcome = "recover_pending"
)

// ClaimResult is the outcome of a claim-or-replay attempt together with the
// row it resolved to.
type ClaimResult struct {
	Type ClaimOutcome
	Row  *Record
}

// RecoverOutcome is the disposition returned by RecoverPendingRequest.
type RecoverOutcome string

const (
	RecoverOutcomeNotPending     RecoverOutcome = "not_pending"
	RecoverOutcomeLeaseActive    RecoverOutcome = "lease_active"
	RecoverOutcomeRecoveryLeased RecoverOutcome = "recovery_leased"
)

// RecoverResult carries the row and, when the lease was acquired, the lease
// version every subsequent fenced mutation must present.
type RecoverResult struct {
	Type                 RecoverOutcome
	Row                  *Record
	ExpectedLeaseVersion int64
}

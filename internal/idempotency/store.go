package idempotency

import (
	"context"
	"time"

	"github.com/mobily-enterprises/billingkit/internal/checkout"
)

// Store is the transactional store the orchestrator runs against. WithTx
// opens a transaction, runs fn, and commits iff fn returns nil. Lock order
// inside a transaction is fixed: entity, then idempotency row, then checkout
// sessions.
type Store interface {
	WithTx(ctx context.Context, fn func(tx StoreTx) error) error

	// ListStalePendingCheckouts returns a bounded, unlocked snapshot of
	// checkout rows still pending and created before cutoff. Each row is
	// re-read under lock before it is acted on.
	ListStalePendingCheckouts(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
}

// StoreTx is the row-locked view inside one transaction.
type StoreTx interface {
	// LockEntityBillingState serializes against concurrent business writes
	// for the entity. Must be taken before any row lock for that entity.
	LockEntityBillingState(ctx context.Context, entityID string) error

	// GetForUpdate looks a row up by natural key with a row lock. Returns
	// ErrNotFound when absent.
	GetForUpdate(ctx context.Context, entityID string, action Action, clientKey string) (*Record, error)

	// GetByIDForUpdate looks a row up by id with a row lock.
	GetByIDForUpdate(ctx context.Context, id string) (*Record, error)

	// FindPendingCheckoutForUpdate returns the pending checkout row for the
	// entity regardless of client key, or ErrNotFound.
	FindPendingCheckoutForUpdate(ctx context.Context, entityID string) (*Record, error)

	// Insert creates a new row; ErrDuplicateKey on a natural-key collision.
	Insert(ctx context.Context, rec *Record) error

	// Update persists rec. When expectedLeaseVersion is non-nil the update
	// only applies if the stored lease version matches; the bool reports
	// whether any row was affected.
	Update(ctx context.Context, rec *Record, expectedLeaseVersion *int64) (bool, error)

	// GetSessionForUpdate fetches the checkout session for (provider,
	// operation key) with a row lock, or ErrNotFound.
	GetSessionForUpdate(ctx context.Context, providerName, operationKey string) (*checkout.Session, error)

	// InsertSession creates a checkout-session row.
	InsertSession(ctx context.Context, sess *checkout.Session) error

	// UpdateSession persists sess iff the stored status still equals
	// expectedStatus; the bool reports whether any row was affected.
	UpdateSession(ctx context.Context, sess *checkout.Session, expectedStatus checkout.Status) (bool, error)
}

// ReconciliationNotice tells the reconciliation worker that a provider-side
// checkout object may exist for an abandoned attempt and must be checked
// before anything assumes nothing happened.
type ReconciliationNotice struct {
	EntityID                 string    `json:"entity_id"`
	Provider                 string    `json:"provider"`
	OperationKey             string    `json:"operation_key"`
	IdempotencyRowID         string    `json:"idempotency_row_id"`
	SessionExpiresUpperBound time.Time `json:"session_expires_upper_bound"`
}

// ReconciliationNotifier publishes reconciliation notices. Best effort: the
// sweep does not depend on delivery.
type ReconciliationNotifier interface {
	NotifyRecoveryVerification(ctx context.Context, notice ReconciliationNotice) error
}

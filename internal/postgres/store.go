// Package postgres implements the idempotency and checkout-session stores
// on PostgreSQL via pgx. Claims rely on the natural-key unique index, fenced
// mutations on a lease-version predicate, and all point reads inside a
// transaction take FOR UPDATE row locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobily-enterprises/billingkit/internal/checkout"
	"github.com/mobily-enterprises/billingkit/internal/idempotency"
)

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// WithTx runs fn inside one transaction, committing iff fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx idempotency.StoreTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const recordColumns = `
	id, entity_id, action, client_key, provider,
	request_fingerprint_hash, normalized_request_json,
	operation_key, provider_idempotency_key,
	provider_request_params_json, provider_request_hash,
	provider_request_schema_version, provider_sdk_name,
	provider_sdk_version, provider_api_version, provider_request_frozen_at,
	provider_idempotency_replay_deadline_at,
	provider_session_expires_upper_bound_at,
	status, response_json, provider_session_id, failure_code, failure_reason,
	pending_lease_expires_at, pending_last_heartbeat_at, lease_owner,
	lease_version, recovery_attempt_count, last_recovery_attempt_at,
	created_at, updated_at`

// ListStalePendingCheckouts returns an unlocked snapshot; callers re-read
// each row under lock before acting.
func (s *Store) ListStalePendingCheckouts(ctx context.Context, cutoff time.Time, limit int) ([]idempotency.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM billing_idempotency_requests
		WHERE action = $1 AND status = $2 AND created_at < $3
		ORDER BY created_at
		LIMIT $4`,
		idempotency.ActionCheckout, idempotency.StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending checkouts: %w", err)
	}
	defer rows.Close()

	var out []idempotency.Record
	for rows.Next() {
		rec, serr := scanRecord(rows)
		if serr != nil {
			return nil, serr
		}
		out = append(out, *rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate stale pending checkouts: %w", rows.Err())
	}
	return out, nil
}

type storeTx struct {
	tx pgx.Tx
}

// LockEntityBillingState takes a transaction-scoped advisory lock keyed on
// the entity id; it serializes entity-level business writes without owning
// their tables. Always taken before any row lock for the entity.
func (t *storeTx) LockEntityBillingState(ctx context.Context, entityID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entityID); err != nil {
		return fmt.Errorf("advisory lock entity %s: %w", entityID, err)
	}
	return nil
}

func (t *storeTx) GetForUpdate(ctx context.Context, entityID string, action idempotency.Action, clientKey string) (*idempotency.Record, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM billing_idempotency_requests
		WHERE entity_id = $1 AND action = $2 AND client_key = $3
		FOR UPDATE`,
		entityID, action, clientKey)
	return scanRecord(row)
}

func (t *storeTx) GetByIDForUpdate(ctx context.Context, id string) (*idempotency.Record, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM billing_idempotency_requests
		WHERE id = $1
		FOR UPDATE`, id)
	return scanRecord(row)
}

func (t *storeTx) FindPendingCheckoutForUpdate(ctx context.Context, entityID string) (*idempotency.Record, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM billing_idempotency_requests
		WHERE entity_id = $1 AND action = $2 AND status = $3
		FOR UPDATE`,
		entityID, idempotency.ActionCheckout, idempotency.StatusPending)
	return scanRecord(row)
}

func (t *storeTx) Insert(ctx context.Context, rec *idempotency.Record) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO billing_idempotency_requests (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31)`,
		rec.ID, rec.EntityID, rec.Action, rec.ClientKey, rec.Provider,
		rec.RequestFingerprintHash, rec.NormalizedRequestJSON,
		rec.OperationKey, rec.ProviderIdempotencyKey,
		rec.ProviderRequestParamsJSON, rec.ProviderRequestHash,
		rec.ProviderRequestSchemaVersion, rec.ProviderSDKName,
		rec.ProviderSDKVersion, rec.ProviderAPIVersion, rec.ProviderRequestFrozenAt,
		rec.ProviderIdempotencyReplayDeadlineAt,
		rec.ProviderSessionExpiresUpperBoundAt,
		rec.Status, rec.ResponseJSON, rec.ProviderSessionID, rec.FailureCode, rec.FailureReason,
		rec.PendingLeaseExpiresAt, rec.PendingLastHeartbeatAt, rec.LeaseOwner,
		rec.LeaseVersion, rec.RecoveryAttemptCount, rec.LastRecoveryAttemptAt,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return idempotency.ErrDuplicateKey
		}
		return fmt.Errorf("insert idempotency row: %w", err)
	}
	return nil
}

func (t *storeTx) Update(ctx context.Context, rec *idempotency.Record, expectedLeaseVersion *int64) (bool, error) {
	query := `
		UPDATE billing_idempotency_requests SET
			provider_request_params_json = $2,
			provider_request_hash = $3,
			provider_request_schema_version = $4,
			provider_sdk_name = $5,
			provider_sdk_version = $6,
			provider_api_version = $7,
			provider_request_frozen_at = $8,
			provider_idempotency_replay_deadline_at = $9,
			provider_session_expires_upper_bound_at = $10,
			status = $11,
			response_json = $12,
			provider_session_id = $13,
			failure_code = $14,
			failure_reason = $15,
			pending_lease_expires_at = $16,
			pending_last_heartbeat_at = $17,
			lease_owner = $18,
			lease_version = $19,
			recovery_attempt_count = $20,
			last_recovery_attempt_at = $21,
			updated_at = $22
		WHERE id = $1`
	args := []interface{}{
		rec.ID,
		rec.ProviderRequestParamsJSON,
		rec.ProviderRequestHash,
		rec.ProviderRequestSchemaVersion,
		rec.ProviderSDKName,
		rec.ProviderSDKVersion,
		rec.ProviderAPIVersion,
		rec.ProviderRequestFrozenAt,
		rec.ProviderIdempotencyReplayDeadlineAt,
		rec.ProviderSessionExpiresUpperBoundAt,
		rec.Status,
		rec.ResponseJSON,
		rec.ProviderSessionID,
		rec.FailureCode,
		rec.FailureReason,
		rec.PendingLeaseExpiresAt,
		rec.PendingLastHeartbeatAt,
		rec.LeaseOwner,
		rec.LeaseVersion,
		rec.RecoveryAttemptCount,
		rec.LastRecoveryAttemptAt,
		rec.UpdatedAt,
	}
	if expectedLeaseVersion != nil {
		query += ` AND lease_version = $23`
		args = append(args, *expectedLeaseVersion)
	}

	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update idempotency row: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const sessionColumns = `
	id, provider, operation_key, entity_id, provider_session_id,
	status, expires_at, created_at, updated_at`

func (t *storeTx) GetSessionForUpdate(ctx context.Context, providerName, operationKey string) (*checkout.Session, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM billing_checkout_sessions
		WHERE provider = $1 AND operation_key = $2
		FOR UPDATE`, providerName, operationKey)
	return scanSession(row)
}

func (t *storeTx) InsertSession(ctx context.Context, sess *checkout.Session) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO billing_checkout_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.Provider, sess.OperationKey, sess.EntityID,
		sess.ProviderSessionID, sess.Status, sess.ExpiresAt,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return idempotency.ErrDuplicateKey
		}
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

func (t *storeTx) UpdateSession(ctx context.Context, sess *checkout.Session, expectedStatus checkout.Status) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE billing_checkout_sessions SET
			provider_session_id = $2,
			status = $3,
			expires_at = $4,
			updated_at = $5
		WHERE id = $1 AND status = $6`,
		sess.ID, sess.ProviderSessionID, sess.Status, sess.ExpiresAt,
		sess.UpdatedAt, expectedStatus)
	if err != nil {
		return false, fmt.Errorf("update checkout session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := row.Scan(
		&rec.ID, &rec.EntityID, &rec.Action, &rec.ClientKey, &rec.Provider,
		&rec.RequestFingerprintHash, &rec.NormalizedRequestJSON,
		&rec.OperationKey, &rec.ProviderIdempotencyKey,
		&rec.ProviderRequestParamsJSON, &rec.ProviderRequestHash,
		&rec.ProviderRequestSchemaVersion, &rec.ProviderSDKName,
		&rec.ProviderSDKVersion, &rec.ProviderAPIVersion, &rec.ProviderRequestFrozenAt,
		&rec.ProviderIdempotencyReplayDeadlineAt,
		&rec.ProviderSessionExpiresUpperBoundAt,
		&rec.Status, &rec.ResponseJSON, &rec.ProviderSessionID, &rec.FailureCode, &rec.FailureReason,
		&rec.PendingLeaseExpiresAt, &rec.PendingLastHeartbeatAt, &rec.LeaseOwner,
		&rec.LeaseVersion, &rec.RecoveryAttemptCount, &rec.LastRecoveryAttemptAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan idempotency row: %w", err)
	}
	return &rec, nil
}

func scanSession(row rowScanner) (*checkout.Session, error) {
	var sess checkout.Session
	err := row.Scan(
		&sess.ID, &sess.Provider, &sess.OperationKey, &sess.EntityID,
		&sess.ProviderSessionID, &sess.Status, &sess.ExpiresAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkout session: %w", err)
	}
	return &sess, nil
}

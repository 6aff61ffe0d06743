package postgres

import (
	"context"
	"fmt"
)

// Migrate bootstraps the two tables this package owns. Statements are
// idempotent so every process can run them at startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS billing_idempotency_requests (
		id UUID PRIMARY KEY,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		client_key TEXT NOT NULL,
		provider TEXT NOT NULL,
		request_fingerprint_hash TEXT NOT NULL,
		normalized_request_json TEXT NOT NULL DEFAULT '',
		operation_key TEXT NOT NULL,
		provider_idempotency_key TEXT NOT NULL,
		provider_request_params_json TEXT NOT NULL DEFAULT '',
		provider_request_hash TEXT NOT NULL DEFAULT '',
		provider_request_schema_version TEXT NOT NULL DEFAULT '',
		provider_sdk_name TEXT NOT NULL DEFAULT '',
		provider_sdk_version TEXT NOT NULL DEFAULT '',
		provider_api_version TEXT NOT NULL DEFAULT '',
		provider_request_frozen_at TIMESTAMPTZ,
		provider_idempotency_replay_deadline_at TIMESTAMPTZ,
		provider_session_expires_upper_bound_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		response_json TEXT NOT NULL DEFAULT '',
		provider_session_id TEXT NOT NULL DEFAULT '',
		failure_code TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		pending_lease_expires_at TIMESTAMPTZ,
		pending_last_heartbeat_at TIMESTAMPTZ,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_version BIGINT NOT NULL DEFAULT 1,
		recovery_attempt_count INT NOT NULL DEFAULT 0,
		last_recovery_attempt_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Natural key: one row per (entity, action, client key).
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_idem_natural_key
		ON billing_idempotency_requests (entity_id, action, client_key)`,

	// At most one pending checkout per entity, whichever client key drives it.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_idem_pending_checkout
		ON billing_idempotency_requests (entity_id)
		WHERE action = 'checkout' AND status = 'pending'`,

	`CREATE INDEX IF NOT EXISTS ix_billing_idem_stale_scan
		ON billing_idempotency_requests (action, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS billing_checkout_sessions (
		id UUID PRIMARY KEY,
		provider TEXT NOT NULL,
		operation_key TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		provider_session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_checkout_session_op
		ON billing_checkout_sessions (provider, operation_key)`,
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

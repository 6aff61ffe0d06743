package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mobily-enterprises/billingkit/internal/checkout"
)

// SweepParams bound one sweep pass.
type SweepParams struct {
	OlderThanSeconds int
	Limit            int
}

// SweepResult reports how many rows the pass resolved.
type SweepResult struct {
	UpdatedRows int
}

const defaultSweepLimit = 100

// ExpireStalePendingRequests resolves checkout idempotency rows abandoned
// past their replay deadline. Rows that already recorded a provider session
// id are left to reconciliation. Rows whose provider-side checkout object
// could still exist get a recovery_verification_pending hold materialized
// before the row is expired, so a later reconciliation pass knows to check
// the provider before assuming nothing happened.
func (o *Orchestrator) ExpireStalePendingRequests(ctx context.Context, params SweepParams) (SweepResult, error) {
	if params.Limit <= 0 {
		params.Limit = defaultSweepLimit
	}
	if params.OlderThanSeconds <= 0 {
		params.OlderThanSeconds = o.cfg.PendingLeaseSeconds
	}
	now := o.nowFunc().UTC()
	cutoff := now.Add(-time.Duration(params.OlderThanSeconds) * time.Second)

	rows, err := o.store.ListStalePendingCheckouts(ctx, cutoff, params.Limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale pending checkouts: %w", err)
	}

	result := SweepResult{}
	for i := range rows {
		changed, serr := o.sweepOne(ctx, &rows[i], now)
		if serr != nil {
			// One poisoned row must not starve the rest of the batch.
			log.Printf("[sweep] row %s: %v", rows[i].ID, serr)
			continue
		}
		if changed {
			result.UpdatedRows++
		}
	}
	return result, nil
}

// sweepOne resolves a single stale candidate inside its own transaction.
// Lock order: entity billing state, then the idempotency row, then the
// checkout session.
func (o *Orchestrator) sweepOne(ctx context.Context, snapshot *Record, now time.Time) (bool, error) {
	grace := time.Duration(o.cfg.SessionExpiryGraceSeconds) * time.Second

	var changed bool
	var notice *ReconciliationNotice
	err := o.store.WithTx(ctx, func(tx StoreTx) error {
		if lerr := tx.LockEntityBillingState(ctx, snapshot.EntityID); lerr != nil {
			return fmt.Errorf("lock entity billing state: %w", lerr)
		}
		rec, gerr := tx.GetByIDForUpdate(ctx, snapshot.ID)
		if errors.Is(gerr, ErrNotFound) {
			return nil
		}
		if gerr != nil {
			return fmt.Errorf("re-read row: %w", gerr)
		}
		if rec.Status != StatusPending {
			return nil
		}
		// A provider object exists; reconciliation, not expiry, owns it.
		if rec.ProviderSessionID != "" {
			return nil
		}

		// A row that can never be recovered must not linger forever.
		if rec.ProviderIdempotencyReplayDeadlineAt == nil ||
			rec.ProviderSessionExpiresUpperBoundAt == nil ||
			rec.OperationKey == "" {
			if ferr := finalizeLocked(ctx, tx, rec, StatusFailed, CodeConfigurationInvalid,
				"recovery metadata missing or invalid", now); ferr != nil {
				return ferr
			}
			changed = true
			return nil
		}

		// Not actually stale yet.
		if rec.ProviderIdempotencyReplayDeadlineAt.After(now) {
			return nil
		}

		upperBound := *rec.ProviderSessionExpiresUpperBoundAt
		if now.Before(upperBound.Add(grace)) {
			if herr := o.materializeRecoveryHold(ctx, tx, rec, upperBound.Add(grace), now); herr != nil {
				return herr
			}
			notice = &ReconciliationNotice{
				EntityID:                 rec.EntityID,
				Provider:                 rec.Provider,
				OperationKey:             rec.OperationKey,
				IdempotencyRowID:         rec.ID,
				SessionExpiresUpperBound: upperBound,
			}
		}

		if ferr := finalizeLocked(ctx, tx, rec, StatusExpired, CodeRecoveryWindowElapsed,
			"pending request abandoned past its replay deadline", now); ferr != nil {
			return ferr
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if notice != nil && o.notifier != nil {
		if nerr := o.notifier.NotifyRecoveryVerification(ctx, *notice); nerr != nil {
			log.Printf("[sweep] reconciliation notice for %s failed: %v", notice.IdempotencyRowID, nerr)
		}
	}
	return changed, nil
}

// materializeRecoveryHold creates or extends the recovery_verification_pending
// checkout-session hold, moving status only along legal transitions.
func (o *Orchestrator) materializeRecoveryHold(ctx context.Context, tx StoreTx, rec *Record, holdUntil, now time.Time) error {
	sess, err := tx.GetSessionForUpdate(ctx, rec.Provider, rec.OperationKey)
	if errors.Is(err, ErrNotFound) {
		hold := &checkout.Session{
			ID:           uuid.NewString(),
			Provider:     rec.Provider,
			OperationKey: rec.OperationKey,
			EntityID:     rec.EntityID,
			Status:       checkout.StatusRecoveryVerificationPending,
			ExpiresAt:    &holdUntil,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if ierr := tx.InsertSession(ctx, hold); ierr != nil {
			return fmt.Errorf("insert recovery hold: %w", ierr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup checkout session: %w", err)
	}

	if !checkout.CanTransition(sess.Status, checkout.StatusRecoveryVerificationPending) {
		// The session already advanced somewhere the hold must not disturb.
		return nil
	}
	previous := sess.Status
	sess.Status = checkout.StatusRecoveryVerificationPending
	if sess.ExpiresAt == nil || sess.ExpiresAt.Before(holdUntil) {
		sess.ExpiresAt = &holdUntil
	}
	sess.UpdatedAt = now
	affected, uerr := tx.UpdateSession(ctx, sess, previous)
	if uerr != nil {
		return fmt.Errorf("extend recovery hold: %w", uerr)
	}
	if !affected {
		return fmt.Errorf("recovery hold for %s/%s changed under lock", rec.Provider, rec.OperationKey)
	}
	return nil
}

// finalizeLocked applies a terminal transition to an already-locked pending
// row, fenced on its current lease version.
func finalizeLocked(ctx context.Context, tx StoreTx, rec *Record, target Status, code, reason string, now time.Time) error {
	expected := rec.LeaseVersion
	rec.Status = target
	rec.FailureCode = code
	rec.FailureReason = reason
	rec.LeaseVersion++
	rec.PendingLeaseExpiresAt = nil
	rec.UpdatedAt = now
	affected, err := tx.Update(ctx, rec, &expected)
	if err != nil {
		return fmt.Errorf("finalize row as %s: %w", target, err)
	}
	if !affected {
		return fmt.Errorf("row %s changed under lock", rec.ID)
	}
	return nil
}

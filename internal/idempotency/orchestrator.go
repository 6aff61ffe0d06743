// Package idempotency mediates every write that must reach an external,
// non-idempotent payment provider exactly once from the caller's point of
// view. It owns the claim/replay protocol, the crash-recovery lease, the
// lease-fenced outcome mutations, and the stale-pending sweep.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mobily-enterprises/billingkit/internal/canon"
	"github.com/mobily-enterprises/billingkit/internal/guardrail"
	"github.com/mobily-enterprises/billingkit/internal/outcome"
	"github.com/mobily-enterprises/billingkit/internal/provider"
	"github.com/mobily-enterprises/billingkit/internal/validation"
)

// Orchestrator coordinates claim-or-replay, recovery and lease-fenced
// mutation of idempotency rows. Correctness never depends on in-process
// state: every decision is made against locked rows inside a store
// transaction.
type Orchestrator struct {
	store      Store
	guardrails guardrail.Sink
	notifier   ReconciliationNotifier
	cfg        Config
	validate   *validatorv10.Validate
	nowFunc    func() time.Time
}

// New validates cfg and returns an orchestrator. sink may be nil (events go
// to the process log); notifier may be nil (no reconciliation notices).
func New(cfg Config, store Store, sink guardrail.Sink, notifier ReconciliationNotifier) (*Orchestrator, error) {
	v := validation.New()
	v.RegisterStructValidation(configStructLevel, Config{})
	if err := cfg.validate(v); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = guardrail.NewLogSink()
	}
	return &Orchestrator{
		store:      store,
		guardrails: sink,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		validate:   v,
		nowFunc:    time.Now,
	}, nil
}

func (o *Orchestrator) leaseDuration() time.Duration {
	return time.Duration(o.cfg.PendingLeaseSeconds) * time.Second
}

func (o *Orchestrator) emit(ctx context.Context, name string, kv map[string]string) {
	o.guardrails.Emit(ctx, name, kv)
}

// ClaimParams are the inputs to ClaimOrReplay.
type ClaimParams struct {
	Action                 Action `validate:"required"`
	EntityID               string `validate:"required"`
	ClientKey              string
	RequestFingerprintHash string `validate:"required"`
	NormalizedRequestJSON  string
	Provider               string `validate:"required"`
	// LeaseOwner tags the claiming worker; optional.
	LeaseOwner string
}

// errDuplicateRace aborts the claim transaction after a lost insert race so
// the branch logic can re-run on a fresh one.
var errDuplicateRace = errors.New("claim insert lost a duplicate race")

// ClaimOrReplay atomically reserves the right to attempt a provider-side
// operation, or resolves what already happened under the same key. The
// existing-row read takes a row lock, so concurrent claims for one key
// serialize here.
func (o *Orchestrator) ClaimOrReplay(ctx context.Context, params ClaimParams) (*ClaimResult, error) {
	if params.ClientKey == "" {
		return nil, badRequest(CodeMissingIdempotencyKey, "client idempotency key is required")
	}
	if !KnownAction(params.Action) {
		return nil, badRequest(CodeUnsupportedAction, fmt.Sprintf("unsupported action %q", params.Action))
	}
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}

	now := o.nowFunc().UTC()

	// Two passes: an insert that loses the unique-constraint race poisons
	// its transaction, so the winning row is resolved on a fresh one.
	for attempt := 0; attempt < 2; attempt++ {
		var result *ClaimResult
		err := o.store.WithTx(ctx, func(tx StoreTx) error {
			existing, err := tx.GetForUpdate(ctx, params.EntityID, params.Action, params.ClientKey)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("lookup idempotency row: %w", err)
			}
			if existing != nil {
				res, rerr := o.resolveExisting(existing, params, now)
				if rerr != nil {
					return rerr
				}
				result = res
				return nil
			}

			// One checkout in flight per entity, whichever key drives it.
			if params.Action == ActionCheckout {
				other, ferr := tx.FindPendingCheckoutForUpdate(ctx, params.EntityID)
				if ferr != nil && !errors.Is(ferr, ErrNotFound) {
					return fmt.Errorf("find pending checkout: %w", ferr)
				}
				if other != nil && other.ClientKey != params.ClientKey {
					result = &ClaimResult{Type: ClaimOutcomeCheckoutInProgressOtherKey, Row: other}
					return nil
				}
			}

			rec := o.newPendingRecord(params, now)
			if ierr := tx.Insert(ctx, rec); ierr != nil {
				if errors.Is(ierr, ErrDuplicateKey) {
					return errDuplicateRace
				}
				return fmt.Errorf("insert idempotency row: %w", ierr)
			}
			result = &ClaimResult{Type: ClaimOutcomeClaimed, Row: rec}
			return nil
		})
		if errors.Is(err, errDuplicateRace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	// Lost the race twice; the winner owns the operation.
	return nil, conflict(CodeRequestInProgress, "another claim for this key is in progress")
}

// resolveExisting applies the replay branching for a row found under the
// caller's key.
func (o *Orchestrator) resolveExisting(existing *Record, params ClaimParams, now time.Time) (*ClaimResult, error) {
	if existing.RequestFingerprintHash != params.RequestFingerprintHash {
		return nil, conflict(CodeIdempotencyConflict,
			"idempotency key reused with a different request fingerprint")
	}
	switch existing.Status {
	case StatusSucceeded:
		return &ClaimResult{Type: ClaimOutcomeReplaySucceeded, Row: existing}, nil
	case StatusFailed, StatusExpired:
		return &ClaimResult{Type: ClaimOutcomeReplayTerminal, Row: existing}, nil
	case StatusPending:
		if !existing.LeaseExpired(now) {
			return &ClaimResult{Type: ClaimOutcomeInProgressSameKey, Row: existing}, nil
		}
		return &ClaimResult{Type: ClaimOutcomeRecoverPending, Row: existing}, nil
	default:
		return nil, fmt.Errorf("idempotency row %s has unknown status %q", existing.ID, existing.Status)
	}
}

func (o *Orchestrator) newPendingRecord(params ClaimParams, now time.Time) *Record {
	operationKey := canon.HMACKeyHex(o.cfg.OperationKeySecret,
		string(params.Action), params.EntityID, params.ClientKey)
	providerKey := canon.HMACKeyHex(o.cfg.ProviderIdempotencyKeySecret,
		params.Provider, string(params.Action), operationKey)

	leaseExpiry := now.Add(o.leaseDuration())
	replayDeadline := now.Add(time.Duration(o.cfg.ReplayWindowSeconds) * time.Second)
	heartbeat := now

	return &Record{
		ID:                                  uuid.NewString(),
		EntityID:                            params.EntityID,
		Action:                              params.Action,
		ClientKey:                           params.ClientKey,
		Provider:                            params.Provider,
		RequestFingerprintHash:              params.RequestFingerprintHash,
		NormalizedRequestJSON:               params.NormalizedRequestJSON,
		OperationKey:                        operationKey,
		ProviderIdempotencyKey:              providerKey,
		ProviderIdempotencyReplayDeadlineAt: &replayDeadline,
		Status:                              StatusPending,
		PendingLeaseExpiresAt:               &leaseExpiry,
		PendingLastHeartbeatAt:              &heartbeat,
		LeaseOwner:                          params.LeaseOwner,
		LeaseVersion:                        1,
		CreatedAt:                           now,
		UpdatedAt:                           now,
	}
}

// RecoverParams identify the abandoned row and tag the recovering worker.
type RecoverParams struct {
	RowID      string `validate:"required"`
	LeaseOwner string
}

// RecoverPendingRequest takes over an abandoned pending row. An unexpired
// lease is never stolen: its owner may still be mid-call to the provider and
// a concurrent duplicate call would double-charge.
func (o *Orchestrator) RecoverPendingRequest(ctx context.Context, params RecoverParams) (*RecoverResult, error) {
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}
	owner := params.LeaseOwner
	if owner == "" {
		owner = "recover-" + uuid.NewString()
	}
	now := o.nowFunc().UTC()

	var result *RecoverResult
	err := o.store.WithTx(ctx, func(tx StoreTx) error {
		rec, err := tx.GetByIDForUpdate(ctx, params.RowID)
		if err != nil {
			return fmt.Errorf("lookup idempotency row: %w", err)
		}
		if rec.Status != StatusPending {
			result = &RecoverResult{Type: RecoverOutcomeNotPending, Row: rec}
			return nil
		}
		if !rec.LeaseExpired(now) {
			result = &RecoverResult{Type: RecoverOutcomeLeaseActive, Row: rec}
			return nil
		}

		expected := rec.LeaseVersion
		leaseExpiry := now.Add(o.leaseDuration())
		rec.LeaseVersion++
		rec.PendingLeaseExpiresAt = &leaseExpiry
		rec.PendingLastHeartbeatAt = &now
		rec.LeaseOwner = owner
		rec.RecoveryAttemptCount++
		rec.LastRecoveryAttemptAt = &now
		rec.UpdatedAt = now

		affected, uerr := tx.Update(ctx, rec, &expected)
		if uerr != nil {
			return fmt.Errorf("acquire recovery lease: %w", uerr)
		}
		if !affected {
			return o.leaseFenced(ctx, rec, "recover")
		}
		result = &RecoverResult{
			Type:                 RecoverOutcomeRecoveryLeased,
			Row:                  rec,
			ExpectedLeaseVersion: rec.LeaseVersion,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RenewLease extends the pending lease under fencing and returns the row
// with its new lease version.
func (o *Orchestrator) RenewLease(ctx context.Context, rowID string, leaseVersion *int64) (*Record, error) {
	now := o.nowFunc().UTC()
	var out *Record
	err := o.store.WithTx(ctx, func(tx StoreTx) error {
		rec, err := tx.GetByIDForUpdate(ctx, rowID)
		if err != nil {
			return fmt.Errorf("lookup idempotency row: %w", err)
		}
		if ferr := o.assertLeaseVersionLocked(ctx, rec, leaseVersion, "renew_lease"); ferr != nil {
			return ferr
		}
		if rec.Status != StatusPending {
			return o.leaseFenced(ctx, rec, "renew_lease")
		}
		expected := rec.LeaseVersion
		leaseExpiry := now.Add(o.leaseDuration())
		rec.LeaseVersion++
		rec.PendingLeaseExpiresAt = &leaseExpiry
		rec.PendingLastHeartbeatAt = &now
		rec.UpdatedAt = now
		affected, uerr := tx.Update(ctx, rec, &expected)
		if uerr != nil {
			return fmt.Errorf("renew lease: %w", uerr)
		}
		if !affected {
			return o.leaseFenced(ctx, rec, "renew_lease")
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSucceededParams finalize a row with the provider response.
type MarkSucceededParams struct {
	RowID             string `validate:"required"`
	LeaseVersion      *int64
	ResponseJSON      string
	ProviderSessionID string
}

// MarkSucceeded finalizes the row as succeeded. Replays of the same key will
// return ResponseJSON verbatim from then on.
func (o *Orchestrator) MarkSucceeded(ctx context.Context, params MarkSucceededParams) (*Record, error) {
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}
	return o.finalize(ctx, params.RowID, params.LeaseVersion, StatusSucceeded, "mark_succeeded", func(rec *Record) {
		rec.ResponseJSON = params.ResponseJSON
		if params.ProviderSessionID != "" {
			rec.ProviderSessionID = params.ProviderSessionID
		}
		rec.FailureCode = ""
		rec.FailureReason = ""
	})
}

// MarkFailedParams finalize a row with a deterministic failure.
type MarkFailedParams struct {
	RowID         string `validate:"required"`
	LeaseVersion  *int64
	FailureCode   string `validate:"required"`
	FailureReason string
}

// MarkFailed finalizes the row as failed. Only deterministic outcomes may be
// stored this way; indeterminate ones must stay pending.
func (o *Orchestrator) MarkFailed(ctx context.Context, params MarkFailedParams) (*Record, error) {
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}
	return o.finalize(ctx, params.RowID, params.LeaseVersion, StatusFailed, "mark_failed", func(rec *Record) {
		rec.FailureCode = params.FailureCode
		rec.FailureReason = params.FailureReason
	})
}

// MarkExpiredParams finalize a row whose replay window lapsed.
type MarkExpiredParams struct {
	RowID         string `validate:"required"`
	LeaseVersion  *int64
	FailureCode   string
	FailureReason string
}

// MarkExpired finalizes the row as expired.
func (o *Orchestrator) MarkExpired(ctx context.Context, params MarkExpiredParams) (*Record, error) {
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}
	code := params.FailureCode
	if code == "" {
		code = CodeRecoveryWindowElapsed
	}
	return o.finalize(ctx, params.RowID, params.LeaseVersion, StatusExpired, "mark_expired", func(rec *Record) {
		rec.FailureCode = code
		rec.FailureReason = params.FailureReason
	})
}

// finalize performs one lease-fenced terminal transition. A repeat of the
// same transition is an idempotent no-op; every other post-terminal attempt
// resolves as a fencing conflict so callers see one stable signal.
func (o *Orchestrator) finalize(ctx context.Context, rowID string, leaseVersion *int64, target Status, op string, apply func(*Record)) (*Record, error) {
	now := o.nowFunc().UTC()
	var out *Record
	err := o.store.WithTx(ctx, func(tx StoreTx) error {
		rec, err := tx.GetByIDForUpdate(ctx, rowID)
		if err != nil {
			return fmt.Errorf("lookup idempotency row: %w", err)
		}
		if ferr := o.assertLeaseVersionLocked(ctx, rec, leaseVersion, op); ferr != nil {
			return ferr
		}
		if rec.Status != StatusPending {
			if rec.Status == target {
				out = rec
				return nil
			}
			return o.leaseFenced(ctx, rec, op)
		}

		expected := rec.LeaseVersion
		apply(rec)
		rec.Status = target
		rec.LeaseVersion++
		rec.PendingLeaseExpiresAt = nil
		rec.UpdatedAt = now

		affected, uerr := tx.Update(ctx, rec, &expected)
		if uerr != nil {
			return fmt.Errorf("%s: %w", op, uerr)
		}
		if !affected {
			return o.leaseFenced(ctx, rec, op)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// assertLeaseVersionLocked fences a mutation against a stale lease version.
func (o *Orchestrator) assertLeaseVersionLocked(ctx context.Context, rec *Record, leaseVersion *int64, op string) error {
	if leaseVersion == nil || *leaseVersion == rec.LeaseVersion {
		return nil
	}
	return o.leaseFenced(ctx, rec, op)
}

// AssertLeaseVersion verifies the caller still owns the row's lease.
func (o *Orchestrator) AssertLeaseVersion(ctx context.Context, rec *Record, expected int64) error {
	if rec.LeaseVersion == expected {
		return nil
	}
	return o.leaseFenced(ctx, rec, "assert_lease_version")
}

func (o *Orchestrator) leaseFenced(ctx context.Context, rec *Record, op string) error {
	o.emit(ctx, guardrail.LeaseFenced, map[string]string{
		"row_id":        rec.ID,
		"entity_id":     rec.EntityID,
		"operation_key": rec.OperationKey,
		"op":            op,
	})
	return conflict(CodeRequestInProgress, "another owner holds the lease for this operation")
}

// FreezeParams pin the provider request identity for a row before the first
// provider call.
type FreezeParams struct {
	RowID         string `validate:"required"`
	LeaseVersion  *int64
	ParamsJSON    string `validate:"required"`
	SchemaVersion string
	Provenance    provider.Provenance
	// SessionExpiresUpperBoundAt bounds how long a provider-side checkout
	// object created by this request could live.
	SessionExpiresUpperBoundAt *time.Time
}

// FreezeProviderRequest persists the provider request body, its canonical
// hash, and the SDK/API baseline, write-once per attempt. Re-freezing with
// the identical hash is a no-op; a different hash fails closed.
func (o *Orchestrator) FreezeProviderRequest(ctx context.Context, params FreezeParams) (*Record, error) {
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}
	hash, err := canon.HashRawJSON([]byte(params.ParamsJSON))
	if err != nil {
		return nil, conflict(CodeConfigurationInvalid, fmt.Sprintf("provider request params are not valid JSON: %v", err))
	}
	now := o.nowFunc().UTC()

	var out *Record
	txErr := o.store.WithTx(ctx, func(tx StoreTx) error {
		rec, gerr := tx.GetByIDForUpdate(ctx, params.RowID)
		if gerr != nil {
			return fmt.Errorf("lookup idempotency row: %w", gerr)
		}
		if ferr := o.assertLeaseVersionLocked(ctx, rec, params.LeaseVersion, "freeze"); ferr != nil {
			return ferr
		}
		if rec.Status != StatusPending {
			return o.leaseFenced(ctx, rec, "freeze")
		}
		if rec.ProviderRequestHash != "" {
			if rec.ProviderRequestHash == hash {
				out = rec
				return nil
			}
			return conflict(CodeConfigurationInvalid,
				"provider request already frozen with a different hash")
		}

		expected := rec.LeaseVersion
		rec.ProviderRequestParamsJSON = params.ParamsJSON
		rec.ProviderRequestHash = hash
		rec.ProviderRequestSchemaVersion = params.SchemaVersion
		rec.ProviderSDKName = params.Provenance.SDKName
		rec.ProviderSDKVersion = params.Provenance.SDKVersion
		rec.ProviderAPIVersion = params.Provenance.APIVersion
		rec.ProviderRequestFrozenAt = &now
		rec.ProviderSessionExpiresUpperBoundAt = params.SessionExpiresUpperBoundAt
		rec.LeaseVersion++
		rec.UpdatedAt = now

		affected, uerr := tx.Update(ctx, rec, &expected)
		if uerr != nil {
			return fmt.Errorf("freeze provider request: %w", uerr)
		}
		if !affected {
			return o.leaseFenced(ctx, rec, "freeze")
		}
		out = rec
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return out, nil
}

// AssertProviderRequestHashStable fails closed when the rebuilt provider
// request no longer hashes to the frozen value: a code change altered how
// the body is constructed, and sending a different payload under the same
// provider idempotency key is not acceptable.
func AssertProviderRequestHashStable(rec *Record, rebuiltParamsJSON string) error {
	if rec.ProviderRequestHash == "" {
		return conflict(CodeConfigurationInvalid, "provider request was never frozen")
	}
	hash, err := canon.HashRawJSON([]byte(rebuiltParamsJSON))
	if err != nil {
		return conflict(CodeConfigurationInvalid, fmt.Sprintf("rebuilt provider request is not valid JSON: %v", err))
	}
	if hash != rec.ProviderRequestHash {
		return conflict(CodeConfigurationInvalid, "provider request hash diverged from frozen value")
	}
	return nil
}

// AssertProviderReplayWindowOpen refuses a replay once the provider's
// idempotency-key cache can no longer be trusted to deduplicate.
func AssertProviderReplayWindowOpen(rec *Record, now time.Time) error {
	if rec.ProviderIdempotencyReplayDeadlineAt == nil {
		return conflict(CodeConfigurationInvalid, "row has no replay deadline")
	}
	if !rec.ProviderIdempotencyReplayDeadlineAt.After(now) {
		return conflict(CodeRecoveryWindowElapsed, "provider replay window has elapsed")
	}
	return nil
}

// AssertReplayProvenanceCompatible refuses a replay when the frozen SDK
// major version or provider API version differs from the running process.
// The drift guardrail is emitted before the failure so operators see the
// drift even though the request fails.
func (o *Orchestrator) AssertReplayProvenanceCompatible(ctx context.Context, rec *Record, current provider.Provenance) error {
	if rec.ProviderSDKVersion == "" || rec.ProviderAPIVersion == "" {
		return conflict(CodeConfigurationInvalid, "row has no frozen provenance")
	}
	sameSDK := rec.ProviderSDKName == current.SDKName &&
		majorVersion(rec.ProviderSDKVersion) == majorVersion(current.SDKVersion)
	sameAPI := rec.ProviderAPIVersion == current.APIVersion
	if sameSDK && sameAPI {
		return nil
	}

	family := string(outcome.ResolveProviderOperationFamily(string(rec.Action)))
	o.emit(ctx, guardrail.SDKAPIBaselineDrift(family), map[string]string{
		"row_id":              rec.ID,
		"entity_id":           rec.EntityID,
		"operation_key":       rec.OperationKey,
		"frozen_sdk":          rec.ProviderSDKName + "@" + rec.ProviderSDKVersion,
		"current_sdk":         current.SDKName + "@" + current.SDKVersion,
		"frozen_api_version":  rec.ProviderAPIVersion,
		"current_api_version": current.APIVersion,
	})
	return conflict(CodeProvenanceMismatch,
		"frozen SDK/API baseline does not match the running process")
}

// majorVersion extracts the major component of a version like "14.25.0" or
// "v82.1.0".
func majorVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// FailureParams report a provider-call failure back to the orchestrator.
type FailureParams struct {
	RowID        string `validate:"required"`
	LeaseVersion *int64
	// Operation is the provider operation name, e.g. "checkout.session.create".
	Operation string `validate:"required"`
	CallErr   error  `validate:"-"`
	// FailureCode overrides the policy-derived code when set.
	FailureCode string
}

// ResolveProviderFailure classifies a provider-call failure and applies the
// decision: deterministic failures finalize the row, indeterminate ones
// leave it pending behind a stable in-progress conflict, and unclassified
// ones propagate unmodified.
func (o *Orchestrator) ResolveProviderFailure(ctx context.Context, params FailureParams) (*Record, error) {
	if err := o.validate.Struct(params); err != nil {
		return nil, badRequest(CodeInvalidClaimParams, fmt.Sprintf("%v", validation.ErrorsToMap(err)))
	}
	if params.CallErr == nil {
		return nil, badRequest(CodeInvalidClaimParams, "CallErr is required")
	}

	decision := outcome.Classify(params.Operation, params.CallErr)
	for _, code := range decision.GuardrailCodes {
		o.emit(ctx, code, map[string]string{
			"row_id":    params.RowID,
			"operation": params.Operation,
		})
	}

	switch decision.Action {
	case outcome.ActionMarkFailed:
		code := params.FailureCode
		if code == "" {
			code = decision.FailureCode
		}
		return o.MarkFailed(ctx, MarkFailedParams{
			RowID:         params.RowID,
			LeaseVersion:  params.LeaseVersion,
			FailureCode:   code,
			FailureReason: params.CallErr.Error(),
		})
	case outcome.ActionKeepInProgress:
		return nil, conflict(CodeRequestInProgress,
			"provider outcome indeterminate; operation stays pending for recovery")
	default:
		return nil, params.CallErr
	}
}

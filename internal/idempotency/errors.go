package idempotency

import (
	"errors"
	"fmt"
	"net/http"
)

// Store sentinel errors.
var (
	// ErrNotFound is returned by store lookups that match no row.
	ErrNotFound = errors.New("idempotency row not found")
	// ErrDuplicateKey is returned by inserts that hit the natural-key
	// uniqueness constraint.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Stable failure codes. Replays of a failed attempt surface the same code
// deterministically, so these are part of the caller contract.
const (
	CodeMissingIdempotencyKey = "missing_idempotency_key"
	CodeUnsupportedAction     = "unsupported_action"
	CodeInvalidClaimParams    = "invalid_claim_params"
	CodeIdempotencyConflict   = "idempotency_conflict"
	CodeRequestInProgress     = "request_in_progress"
	CodeRecoveryWindowElapsed = "checkout_recovery_window_elapsed"
	CodeProvenanceMismatch    = "checkout_replay_provenance_mismatch"
	CodeConfigurationInvalid  = "checkout_configuration_invalid"
)

// Error is a code-bearing failure: callers branch on Code and map HTTPStatus
// straight onto their response. Conflicts are always 409, client-input
// failures 400, never a 5xx.
type Error struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is an *Error carrying the given code.
func IsCode(err error, code string) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}

func badRequest(code, msg string) *Error {
	return &Error{Code: code, HTTPStatus: http.StatusBadRequest, Message: msg}
}

func conflict(code, msg string) *Error {
	return &Error{Code: code, HTTPStatus: http.StatusConflict, Message: msg}
}

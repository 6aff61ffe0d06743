// Package providererr defines the normalized error contract every payment
// provider adapter must produce before an error reaches the outcome policy.
// The policy never inspects provider-specific error shapes; adapters map
// their SDK errors into this one.
package providererr

import (
	"errors"
	"fmt"
)

// Category classifies what the provider told us about the failure.
type Category string

const (
	CategoryInvalidRequest    Category = "invalid_request"
	CategoryAuth              Category = "auth"
	CategoryPermission        Category = "permission"
	CategoryNotFound          Category = "not_found"
	CategoryConflict          Category = "conflict"
	CategoryRateLimited       Category = "rate_limited"
	CategoryTransientNetwork  Category = "transient_network"
	CategoryTransientProvider Category = "transient_provider"
)

// DeterministicCategories are the categories for which the provider
// definitely did not perform the side effect.
var DeterministicCategories = map[Category]bool{
	CategoryInvalidRequest: true,
	CategoryAuth:           true,
	CategoryPermission:     true,
	CategoryNotFound:       true,
	CategoryConflict:       true,
}

// IndeterminateCategories are the categories for which the provider call may
// have partially succeeded.
var IndeterminateCategories = map[Category]bool{
	CategoryRateLimited:       true,
	CategoryTransientNetwork:  true,
	CategoryTransientProvider: true,
}

// Error is the normalized provider error. Retryable is tri-state: nil means
// the adapter could not tell.
type Error struct {
	Provider          string
	Op                string
	Category          Category
	Retryable         *bool
	HTTPStatus        int
	ProviderCode      string
	ProviderRequestID string
	Message           string
	Err               error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s (category=%s status=%d code=%s)",
		e.Provider, e.Op, msg, e.Category, e.HTTPStatus, e.ProviderCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Bool returns a pointer for the Retryable field.
func Bool(b bool) *bool { return &b }

// AsNormalized reports whether err carries a normalized provider error
// anywhere in its chain.
func AsNormalized(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

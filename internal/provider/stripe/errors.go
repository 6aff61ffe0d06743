package stripe

import (
	"context"
	"errors"
	"net"

	stripesdk "github.com/stripe/stripe-go/v82"

	"github.com/mobily-enterprises/billingkit/internal/providererr"
)

// normalizeError maps a stripe-go or transport error into the provider error
// contract. Errors it cannot place are returned as-is; the outcome policy
// flags those with its not-normalized guardrail.
func normalizeError(op string, err error) error {
	var se *stripesdk.Error
	if errors.As(err, &se) {
		category, retryable := categorize(se)
		return &providererr.Error{
			Provider:          providerName,
			Op:                op,
			Category:          category,
			Retryable:         retryable,
			HTTPStatus:        se.HTTPStatusCode,
			ProviderCode:      string(se.Code),
			ProviderRequestID: se.RequestID,
			Message:           se.Msg,
			Err:               err,
		}
	}

	if isTransport(err) {
		return &providererr.Error{
			Provider:  providerName,
			Op:        op,
			Category:  providererr.CategoryTransientNetwork,
			Retryable: providererr.Bool(true),
			Err:       err,
		}
	}

	return err
}

// categorize maps a Stripe error to a contract category, status first, error
// type as tiebreak.
func categorize(se *stripesdk.Error) (providererr.Category, *bool) {
	switch se.HTTPStatusCode {
	case 401:
		return providererr.CategoryAuth, providererr.Bool(false)
	case 403:
		return providererr.CategoryPermission, providererr.Bool(false)
	case 404:
		return providererr.CategoryNotFound, providererr.Bool(false)
	case 409:
		return providererr.CategoryConflict, providererr.Bool(false)
	case 429:
		return providererr.CategoryRateLimited, providererr.Bool(true)
	}
	if se.HTTPStatusCode >= 500 {
		return providererr.CategoryTransientProvider, providererr.Bool(true)
	}

	switch se.Type {
	case stripesdk.ErrorTypeIdempotency:
		// Same idempotency key replayed with different parameters.
		return providererr.CategoryConflict, providererr.Bool(false)
	case stripesdk.ErrorTypeAPI:
		return providererr.CategoryTransientProvider, providererr.Bool(true)
	case stripesdk.ErrorTypeInvalidRequest, stripesdk.ErrorTypeCard:
		return providererr.CategoryInvalidRequest, providererr.Bool(false)
	}

	if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
		return providererr.CategoryInvalidRequest, providererr.Bool(false)
	}
	// No status, no recognizable type: call it provider-transient, the safe
	// direction for a financial write.
	return providererr.CategoryTransientProvider, providererr.Bool(true)
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op)
}

// Package outcome classifies provider-call failures. Given an error and the
// operation that produced it, the policy decides whether the failure is safe
// to finalize (the provider definitely did nothing), must stay in progress
// (the provider may have done something), or cannot be classified at all and
// has to propagate untouched.
package outcome

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/mobily-enterprises/billingkit/internal/guardrail"
	"github.com/mobily-enterprises/billingkit/internal/providererr"
)

// Family is the operation family a failure belongs to; it selects which
// guardrail metric pair gets attached.
type Family string

const (
	FamilyCheckout    Family = "checkout"
	FamilyPortal      Family = "portal"
	FamilyPaymentLink Family = "payment_link"
	FamilyUnknown     Family = "unknown"
)

// ResolveProviderOperationFamily maps an operation name to its family by
// prefix.
func ResolveProviderOperationFamily(operation string) Family {
	switch {
	case strings.HasPrefix(operation, "checkout"):
		return FamilyCheckout
	case strings.HasPrefix(operation, "portal"):
		return FamilyPortal
	case strings.HasPrefix(operation, "payment_link"):
		return FamilyPaymentLink
	default:
		return FamilyUnknown
	}
}

// Action is what the orchestrator should do with the idempotency row.
type Action string

const (
	ActionMarkFailed     Action = "mark_failed"
	ActionKeepInProgress Action = "keep_in_progress"
	ActionRethrow        Action = "rethrow"
)

// Decision is the full classification result. GuardrailCodes are ordered as
// they must be emitted. FailureCode is empty when Action is not mark_failed.
type Decision struct {
	Action         Action
	Family         Family
	FailureCode    string
	GuardrailCodes []string
	Normalized     bool
	Deterministic  bool
	Indeterminate  bool
}

// Classify decides the disposition of a provider-call failure.
//
// Deterministic is checked before indeterminate; a failure matching neither
// set is rethrown because the policy refuses to guess. Indeterminate
// failures must never be finalized: the provider call may have created a
// real object (a live checkout session) that a blind "failed" status would
// orphan.
func Classify(operation string, err error) Decision {
	family := ResolveProviderOperationFamily(operation)
	d := Decision{Action: ActionRethrow, Family: family}

	norm, normalized := providererr.AsNormalized(err)
	d.Normalized = normalized
	if !normalized {
		// Adapters that forgot to wrap their errors need to show up in
		// production metrics.
		d.GuardrailCodes = append(d.GuardrailCodes, guardrail.ProviderErrorNotNormalized)
	}

	switch {
	case isDeterministic(norm, err):
		d.Deterministic = true
		d.Action = ActionMarkFailed
		d.FailureCode = failureCode(norm)
		d.GuardrailCodes = append(d.GuardrailCodes, guardrail.OutcomeDeterministic(string(family)))
	case isIndeterminate(norm, err):
		d.Indeterminate = true
		d.Action = ActionKeepInProgress
		d.GuardrailCodes = append(d.GuardrailCodes, guardrail.OutcomeIndeterminate(string(family)))
	}
	return d
}

func isDeterministic(norm *providererr.Error, err error) bool {
	if norm != nil {
		if providererr.DeterministicCategories[norm.Category] {
			return true
		}
		if norm.Retryable != nil && !*norm.Retryable {
			return true
		}
		return false
	}
	// Best-effort fallback for un-normalized errors.
	if status, ok := httpStatusOf(err); ok {
		return status >= 400 && status < 500 && status != 429
	}
	msg := strings.ToLower(err.Error())
	// A message matching a transport pattern is never treated as
	// deterministic, even if it also reads like an invalid request; the
	// cost of wrongly finalizing a possibly-successful write dominates.
	if matchesTransportPattern(msg) {
		return false
	}
	return matchesInvalidRequestPattern(msg)
}

func isIndeterminate(norm *providererr.Error, err error) bool {
	if norm != nil {
		if providererr.IndeterminateCategories[norm.Category] {
			return true
		}
		if norm.Retryable != nil && *norm.Retryable {
			return true
		}
		return false
	}
	if status, ok := httpStatusOf(err); ok {
		return status == 429 || status >= 500
	}
	if isTransportError(err) {
		return true
	}
	return matchesTransportPattern(strings.ToLower(err.Error()))
}

func failureCode(norm *providererr.Error) string {
	if norm == nil {
		return "provider_rejected"
	}
	switch norm.Category {
	case providererr.CategoryInvalidRequest, providererr.CategoryAuth,
		providererr.CategoryPermission, providererr.CategoryNotFound,
		providererr.CategoryConflict:
		return "provider_" + string(norm.Category)
	default:
		return "provider_rejected"
	}
}

// httpStatusOf extracts an HTTP status from errors that expose one through a
// conventional accessor or spell it out in their message.
func httpStatusOf(err error) (int, bool) {
	type httpStatusCoder interface{ HTTPStatusCode() int }
	type statusCoder interface{ StatusCode() int }
	type httpStatuser interface{ HTTPStatus() int }

	var hsc httpStatusCoder
	if errors.As(err, &hsc) && hsc.HTTPStatusCode() > 0 {
		return hsc.HTTPStatusCode(), true
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		return sc.StatusCode(), true
	}
	var hs httpStatuser
	if errors.As(err, &hs) && hs.HTTPStatus() > 0 {
		return hs.HTTPStatus(), true
	}
	if m := statusTextRe.FindStringSubmatch(strings.ToLower(err.Error())); m != nil {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil {
			return status, true
		}
	}
	return 0, false
}

var statusTextRe = regexp.MustCompile(`status(?: code)?[:= ]+(\d{3})`)

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

var invalidRequestPatterns = []string{
	"invalid request",
	"invalid_request",
	"missing required param",
	"no such ",
	"parameter_invalid",
}

func matchesInvalidRequestPattern(msg string) bool {
	for _, p := range invalidRequestPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transportPatterns = []string{
	"timeout",
	"timed out",
	"network",
	"connection",
	"no such host",
	"tls handshake",
}

func matchesTransportPattern(msg string) bool {
	for _, p := range transportPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

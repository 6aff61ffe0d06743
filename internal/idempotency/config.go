package idempotency

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/mobily-enterprises/billingkit/internal/validation"
)

// Defaults and floors for the timing knobs.
const (
	DefaultPendingLeaseSeconds = 120
	MinPendingLeaseSeconds     = 10

	DefaultSessionExpiryGraceSeconds = 90
	MinSessionExpiryGraceSeconds     = 0

	// DefaultReplayWindowSeconds bounds how long the provider's own
	// idempotency-key cache is trusted to deduplicate a repeated call.
	DefaultReplayWindowSeconds = 24 * 60 * 60
)

// Config holds the orchestrator configuration. The two HMAC secrets must be
// non-empty and distinct; everything else has defaults.
type Config struct {
	// OperationKeySecret derives operation keys from
	// (action, entity id, client key).
	OperationKeySecret string `validate:"required"`
	// ProviderIdempotencyKeySecret derives provider idempotency keys from
	// (provider, action, operation key).
	ProviderIdempotencyKeySecret string `validate:"required"`

	PendingLeaseSeconds       int
	SessionExpiryGraceSeconds int
	ReplayWindowSeconds       int
}

// withDefaults returns a copy with defaults and floors applied.
func (c Config) withDefaults() Config {
	if c.PendingLeaseSeconds == 0 {
		c.PendingLeaseSeconds = DefaultPendingLeaseSeconds
	}
	if c.PendingLeaseSeconds < MinPendingLeaseSeconds {
		c.PendingLeaseSeconds = MinPendingLeaseSeconds
	}
	if c.SessionExpiryGraceSeconds == 0 {
		c.SessionExpiryGraceSeconds = DefaultSessionExpiryGraceSeconds
	}
	if c.SessionExpiryGraceSeconds < MinSessionExpiryGraceSeconds {
		c.SessionExpiryGraceSeconds = MinSessionExpiryGraceSeconds
	}
	if c.ReplayWindowSeconds <= 0 {
		c.ReplayWindowSeconds = DefaultReplayWindowSeconds
	}
	return c
}

func (c Config) validate(v *validatorv10.Validate) error {
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid orchestrator config: %v", validation.ErrorsToMap(err))
	}
	return nil
}

// configStructLevel enforces the cross-field rule: the two HMAC secrets must
// differ, otherwise one leaked secret forges both key spaces.
func configStructLevel(sl validatorv10.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.OperationKeySecret != "" && cfg.OperationKeySecret == cfg.ProviderIdempotencyKeySecret {
		sl.ReportError(cfg.ProviderIdempotencyKeySecret, "ProviderIdempotencyKeySecret",
			"ProviderIdempotencyKeySecret", "distinct_secrets", "")
	}
}

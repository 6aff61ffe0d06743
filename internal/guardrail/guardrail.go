// Package guardrail emits named correctness signals (not business metrics)
// to an observability sink.
package guardrail

import (
	"context"
	"log"
	"sort"
	"strings"
)

// Event names that are not family-scoped.
const (
	ProviderErrorNotNormalized = "BILLING_PROVIDER_ERROR_NOT_NORMALIZED"
	LeaseFenced                = "BILLING_LEASE_FENCED"
)

// OutcomeDeterministic returns the per-family deterministic-outcome signal.
func OutcomeDeterministic(family string) string {
	return "BILLING_" + normalizeFamily(family) + "_PROVIDER_OUTCOME_DETERMINISTIC"
}

// OutcomeIndeterminate returns the per-family indeterminate-outcome signal.
func OutcomeIndeterminate(family string) string {
	return "BILLING_" + normalizeFamily(family) + "_PROVIDER_OUTCOME_INDETERMINATE"
}

// SDKAPIBaselineDrift returns the per-family provenance-drift signal.
func SDKAPIBaselineDrift(family string) string {
	return "BILLING_" + normalizeFamily(family) + "_SDK_API_BASELINE_DRIFT"
}

func normalizeFamily(family string) string {
	if family == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(family)
}

// Sink receives guardrail events. Implementations must never let an emit
// failure propagate into the calling operation.
type Sink interface {
	Emit(ctx context.Context, name string, kv map[string]string)
}

// LogSink writes guardrail events to the process log. Used locally and as
// the fallback when no metric sink is configured.
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Emit(_ context.Context, name string, kv map[string]string) {
	if len(kv) == 0 {
		log.Printf("[guardrail] %s", name)
		return
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+kv[k])
	}
	log.Printf("[guardrail] %s %s", name, strings.Join(pairs, " "))
}

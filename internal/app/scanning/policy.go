package scanning

import "time"

// Default execution limits applied when an engine has no explicit policy.
const (
	// DefaultCancelGrace bounds how long a cancelled engine may take to
	// acknowledge termination before its session is force-killed.
	DefaultCancelGrace = 5 * time.Second

	// DefaultEngineWeight is the share one engine contributes to the
	// job-level progress aggregate when no weight is configured.
	DefaultEngineWeight = 1.0
)

// EnginePolicy bounds one engine's execution within a job: its wall-clock
// budget, the cancellation grace window, its weight in the aggregated
// progress, and the default options handed to the adapter.
type EnginePolicy struct {
	// Budget caps the engine's wall-clock execution time. Exceeding it takes
	// the same forced-termination path as cancellation but lands the run in
	// FAILED. Zero means no cap.
	Budget time.Duration

	// Grace bounds the wait between a cooperative cancel and a forced kill.
	Grace time.Duration

	// Weight scales this engine's contribution to the job-level percentage.
	Weight float64

	// Options are engine-specific defaults, merged under request overrides.
	Options map[string]any
}

// PolicySet resolves per-engine execution policies. Engines without an
// explicit entry fall back to the defaults.
type PolicySet struct {
	defaults EnginePolicy
	byEngine map[string]EnginePolicy
}

// NewPolicySet builds a PolicySet from per-engine policies and a default.
// Zero fields in the default are replaced with the package-level fallbacks.
func NewPolicySet(defaults EnginePolicy, byEngine map[string]EnginePolicy) PolicySet {
	if defaults.Grace <= 0 {
		defaults.Grace = DefaultCancelGrace
	}
	if defaults.Weight <= 0 {
		defaults.Weight = DefaultEngineWeight
	}
	return PolicySet{defaults: defaults, byEngine: byEngine}
}

// For returns the effective policy for the named engine. Unset fields of the
// engine's entry inherit from the defaults; options merge with the engine's
// own values winning.
func (ps PolicySet) For(engine string) EnginePolicy {
	eff := ps.defaults
	override, ok := ps.byEngine[engine]
	if !ok {
		return eff
	}
	if override.Budget > 0 {
		eff.Budget = override.Budget
	}
	if override.Grace > 0 {
		eff.Grace = override.Grace
	}
	if override.Weight > 0 {
		eff.Weight = override.Weight
	}
	if len(override.Options) > 0 {
		merged := make(map[string]any, len(eff.Options)+len(override.Options))
		for k, v := range eff.Options {
			merged[k] = v
		}
		for k, v := range override.Options {
			merged[k] = v
		}
		eff.Options = merged
	}
	return eff
}

// Weight returns the progress weight for the named engine.
func (ps PolicySet) Weight(engine string) float64 { return ps.For(engine).Weight }

// mergeOptions layers request-supplied overrides on top of the policy's
// engine defaults. The result is a fresh map; neither input is mutated.
func mergeOptions(defaults, overrides map[string]any) map[string]any {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

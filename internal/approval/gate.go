package approval

import "sync"

// Mode is the autonomy mode of a target environment.
type Mode string

const (
	// ModeAutonomous lets every operation category proceed without approval.
	ModeAutonomous Mode = "autonomous"

	// ModeGated requires an approval decision for configured categories.
	ModeGated Mode = "gated"
)

// EnvironmentPolicy configures gating for one environment.
type EnvironmentPolicy struct {
	Mode Mode `json:"mode" yaml:"mode"`

	// GatedOperations lists the operation categories that must wait for an
	// external decision when the mode is gated.
	GatedOperations []string `json:"gated_operations,omitempty" yaml:"gated_operations,omitempty"`
}

// CheckResult is the outcome of an approval gate check.
type CheckResult string

const (
	// Proceed means the operation may be dispatched immediately.
	Proceed CheckResult = "proceed"

	// MustWait means the caller has to open an approval request and wait
	// for a decision before dispatching.
	MustWait CheckResult = "must_wait"
)

// Gate decides per environment whether an operation category may proceed
// autonomously or must wait for an external decision. Gate state is scoped
// to one orchestrator instance and injected where needed.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]EnvironmentPolicy
}

// NewGate creates a gate with per-environment policies keyed by environment
// name. Environments without a policy default to autonomous.
func NewGate(policies map[string]EnvironmentPolicy) *Gate {
	gate := &Gate{policies: make(map[string]EnvironmentPolicy, len(policies))}
	for env, policy := range policies {
		gate.policies[env] = policy
	}
	return gate
}

// SetPolicy stores or replaces the policy for an environment.
func (g *Gate) SetPolicy(environment string, policy EnvironmentPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[environment] = policy
}

// Check reports whether the operation type may proceed in the environment.
// Autonomous environments always proceed; gated environments return MustWait
// for configured operation categories.
func (g *Gate) Check(operationType, environment string) CheckResult {
	g.mu.RLock()
	policy, ok := g.policies[environment]
	g.mu.RUnlock()

	if !ok || policy.Mode != ModeGated {
		return Proceed
	}

	for _, gated := range policy.GatedOperations {
		if gated == operationType {
			return MustWait
		}
	}
	return Proceed
}

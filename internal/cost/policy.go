package cost

import (
	"sync"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// EnforcementMode controls what the enforcer does when a prospective cost
// would push spend over a limit.
type EnforcementMode string

const (
	// ModeReport records spend without warning or blocking.
	ModeReport EnforcementMode = "report"

	// ModeWarn surfaces warnings in summaries but never blocks.
	ModeWarn EnforcementMode = "warn"

	// ModeBlock rejects operations whose projected spend exceeds a limit.
	ModeBlock EnforcementMode = "block"
)

// BudgetLimits describes the monetary ceiling of a budget policy.
type BudgetLimits struct {
	// Total is the overall spend limit for the policy window.
	Total float64 `json:"total" yaml:"total"`

	// Currency is the ISO currency code the limit is denominated in.
	Currency string `json:"currency" yaml:"currency"`

	// Window is the duration the total limit covers.
	Window time.Duration `json:"window" yaml:"window"`

	// CategoryLimits are optional per-category sub-limits.
	CategoryLimits map[string]float64 `json:"category_limits,omitempty" yaml:"category_limits,omitempty"`
}

// BudgetEnforcement describes how violations of the limits are handled.
type BudgetEnforcement struct {
	Mode EnforcementMode `json:"mode" yaml:"mode"`

	// WarningThreshold is the fraction of the total limit (0..1) at which
	// summaries start reporting warning status.
	WarningThreshold float64 `json:"warning_threshold" yaml:"warning_threshold"`

	// ApprovalRequired marks spend under this policy as requiring manual
	// approval regardless of operation category.
	ApprovalRequired bool `json:"approval_required" yaml:"approval_required"`
}

// BudgetPolicy is the monetary ceiling and enforcement mode governing a
// plan's execution within one environment.
type BudgetPolicy struct {
	ID          types.ID          `json:"id" yaml:"id"`
	Environment string            `json:"environment" yaml:"environment"`
	Limits      BudgetLimits      `json:"limits" yaml:"limits"`
	Enforcement BudgetEnforcement `json:"enforcement" yaml:"enforcement"`
}

// PolicyStore holds the active budget policies for one orchestrator
// instance. It is passed by reference into the enforcer, never held as a
// process-wide singleton.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[types.ID]BudgetPolicy
}

// NewPolicyStore creates an empty policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[types.ID]BudgetPolicy)}
}

// Put stores or replaces a policy. A zero policy ID is filled in.
// The stored policy is returned.
func (s *PolicyStore) Put(policy BudgetPolicy) BudgetPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.ID.IsZero() {
		policy.ID = types.NewID()
	}
	s.policies[policy.ID] = policy
	return policy
}

// Get returns the policy with the given id.
func (s *PolicyStore) Get(id types.ID) (BudgetPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[id]
	if !ok {
		return BudgetPolicy{}, types.NewError(types.NOT_FOUND, "budget policy not found: "+id.String())
	}
	return policy, nil
}

// List returns all stored policies in unspecified order.
func (s *PolicyStore) List() []BudgetPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BudgetPolicy, 0, len(s.policies))
	for _, policy := range s.policies {
		out = append(out, policy)
	}
	return out
}

package config

import (
	"github.com/edallison777/hypermage-vr-sub001/internal/approval"
	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/executor"
)

// BudgetPolicy builds the default budget policy from the budget section.
// The returned policy has no id; storing it assigns one.
func (c *Config) BudgetPolicy() cost.BudgetPolicy {
	return cost.BudgetPolicy{
		Limits: cost.BudgetLimits{
			Total:          c.Budget.Total,
			Currency:       c.Budget.Currency,
			Window:         c.Budget.Window,
			CategoryLimits: c.Budget.CategoryLimits,
		},
		Enforcement: cost.BudgetEnforcement{
			Mode:             cost.EnforcementMode(c.Budget.Mode),
			WarningThreshold: c.Budget.WarningThreshold,
			ApprovalRequired: c.Budget.ApprovalRequired,
		},
	}
}

// GatePolicies builds the per-environment approval policies.
func (c *Config) GatePolicies() map[string]approval.EnvironmentPolicy {
	policies := make(map[string]approval.EnvironmentPolicy, len(c.Approvals.Environments))
	for env, envCfg := range c.Approvals.Environments {
		policies[env] = approval.EnvironmentPolicy{
			Mode:            approval.Mode(envCfg.Mode),
			GatedOperations: envCfg.GatedOperations,
		}
	}
	return policies
}

// RetryPolicy builds the executor retry policy from the retry section.
func (c *Config) RetryPolicy() executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxRetries:  c.Retry.MaxRetries,
		BackoffBase: c.Retry.BackoffBase,
		Multiplier:  c.Retry.Multiplier,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

package plan

import (
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Status represents the review state of an execution plan.
type Status string

const (
	// StatusPending indicates the plan awaits caller review.
	StatusPending Status = "pending"

	// StatusApproved indicates the caller approved the plan for execution.
	StatusApproved Status = "approved"

	// StatusRejected indicates the caller rejected the plan.
	StatusRejected Status = "rejected"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal review state.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransitionTo validates whether the current status can transition to the
// target status. The review state machine is:
//
//	pending -> approved, rejected
//
// Approved and rejected are terminal.
func (s Status) CanTransitionTo(target Status) bool {
	if s != StatusPending {
		return false
	}
	return target == StatusApproved || target == StatusRejected
}

// Context carries the execution context a plan was generated for: the
// target environment and the budget policy its spend is charged against.
type Context struct {
	Environment    string   `json:"environment"`
	BudgetPolicyID types.ID `json:"budget_policy_id"`
	RequestedBy    string   `json:"requested_by,omitempty"`
}

// ExecutionPlan is an ordered, dependency-annotated set of steps derived
// from an external specification. A plan is immutable once approved except
// for its status.
type ExecutionPlan struct {
	ID types.ID `json:"id"`

	// Specification is the source text the plan was generated from.
	Specification string `json:"specification"`

	Context Context `json:"context"`
	Status  Status  `json:"status"`

	Steps []Step `json:"steps"`

	// EstimatedCost and EstimatedDuration aggregate the per-step estimates.
	EstimatedCost     float64       `json:"estimated_cost"`
	EstimatedDuration time.Duration `json:"estimated_duration"`

	CreatedAt time.Time `json:"created_at"`
}

// StepByID returns the step with the given id, or nil when absent.
func (p *ExecutionPlan) StepByID(id types.ID) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Step is one unit of delegated work within a plan. The capability
// reference is opaque to the core; the agent invoker resolves it.
type Step struct {
	ID          types.ID `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`

	// OperationType categorizes the step for approval gating and cost
	// accounting (content_creation, asset_generation, deployment, ...).
	OperationType string `json:"operation_type"`

	AgentCapability string         `json:"agent_capability"`
	Parameters      map[string]any `json:"parameters,omitempty"`

	// DependsOn lists ids of steps in the same plan that must complete
	// before this step may dispatch.
	DependsOn []types.ID `json:"depends_on,omitempty"`

	EstimatedCost     float64       `json:"estimated_cost"`
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Optional steps that end blocked or failed do not fail the plan.
	Optional bool `json:"optional,omitempty"`
}

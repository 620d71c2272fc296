package cost

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// SummaryStatus classifies a cost summary relative to its budget policy.
type SummaryStatus string

const (
	SummaryStatusOK       SummaryStatus = "ok"
	SummaryStatusWarning  SummaryStatus = "warning"
	SummaryStatusExceeded SummaryStatus = "exceeded"
)

// Summary is a derived view of spend against one budget policy. It is
// computed on demand and never stored by the core.
type Summary struct {
	PolicyID   types.ID           `json:"policy_id"`
	Total      float64            `json:"total"`
	Currency   string             `json:"currency"`
	ByCategory map[string]float64 `json:"by_category,omitempty"`

	// Projected is a duration-weighted linear projection of total spend
	// over the policy's window.
	Projected float64 `json:"projected"`

	// Remaining is the budget left under the policy's total limit.
	// Negative when spend is already over the limit.
	Remaining float64 `json:"remaining"`

	Status SummaryStatus `json:"status"`
}

// Decision is the outcome of authorizing a prospective cost.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Summary Summary `json:"summary"`
}

// BudgetExceededError is returned when a prospective cost is blocked by a
// budget policy in block mode. It always carries the summary that triggered
// the block so callers can see exactly how far over budget the attempt was.
// The affected operation is never retried.
type BudgetExceededError struct {
	PolicyID types.ID
	Category string
	Amount   float64
	Reason   string
	Summary  Summary
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("[%s] %s", types.BUDGET_EXCEEDED, e.Reason)
}

// Is matches any CoreError carrying the BUDGET_EXCEEDED code, so callers
// can test with errors.Is against the shared taxonomy.
func (e *BudgetExceededError) Is(target error) bool {
	coreErr, ok := target.(*types.CoreError)
	return ok && coreErr.Code == types.BUDGET_EXCEEDED
}

// RecordSink receives a copy of every record appended through the enforcer.
// Sink failures are logged and never fail the recording operation.
type RecordSink interface {
	AppendCostRecord(rec Record) error
}

// Enforcer combines a ledger and a policy store to authorize or reject
// prospective costs before they are incurred, and to produce summaries.
type Enforcer struct {
	ledger   *Ledger
	policies *PolicyStore
	sink     RecordSink
	logger   *slog.Logger
	now      func() time.Time
}

// EnforcerOption is a functional option for configuring an Enforcer.
type EnforcerOption func(*Enforcer)

// WithRecordSink configures a durable sink that receives every appended record.
func WithRecordSink(sink RecordSink) EnforcerOption {
	return func(e *Enforcer) {
		e.sink = sink
	}
}

// WithEnforcerLogger configures the logger for the enforcer.
func WithEnforcerLogger(l *slog.Logger) EnforcerOption {
	return func(e *Enforcer) {
		e.logger = l
	}
}

// WithClock overrides the time source used for projections. Intended for tests.
func WithClock(now func() time.Time) EnforcerOption {
	return func(e *Enforcer) {
		e.now = now
	}
}

// NewEnforcer creates a budget enforcer over the given ledger and policy store.
func NewEnforcer(ledger *Ledger, policies *PolicyStore, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		ledger:   ledger,
		policies: policies,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides whether a prospective cost may be incurred under the
// given policy. The decision embeds a summary computed against the
// projected spend (current total plus amount):
//
//   - block mode and projected > limits.Total: blocked
//   - block mode and a configured category sub-limit would be exceeded: blocked
//   - projected > limit * warning threshold: allowed, summary status warning
//
// Report and warn modes never block. Blocked decisions are also returned as
// a *BudgetExceededError carrying the same summary.
func (e *Enforcer) Authorize(amount float64, category string, policyID types.ID) (Decision, error) {
	policy, err := e.policies.Get(policyID)
	if err != nil {
		return Decision{}, err
	}

	currentTotal := e.ledger.TotalFor(policyID)
	projected := currentTotal + amount
	summary := e.buildSummary(policy, projected)

	if policy.Enforcement.Mode == ModeBlock {
		if projected > policy.Limits.Total {
			reason := fmt.Sprintf("projected spend %.2f %s exceeds budget limit %.2f",
				projected, policy.Limits.Currency, policy.Limits.Total)
			summary.Status = SummaryStatusExceeded
			e.logger.Warn("cost authorization blocked",
				"policy_id", policyID,
				"category", category,
				"amount", amount,
				"projected", projected,
				"limit", policy.Limits.Total,
			)
			return Decision{Allowed: false, Reason: reason, Summary: summary},
				&BudgetExceededError{PolicyID: policyID, Category: category, Amount: amount, Reason: reason, Summary: summary}
		}

		if limit, ok := policy.Limits.CategoryLimits[category]; ok {
			categoryProjected := e.ledger.CategoryTotals(policyID)[category] + amount
			if categoryProjected > limit {
				reason := fmt.Sprintf("projected %q spend %.2f %s exceeds category limit %.2f",
					category, categoryProjected, policy.Limits.Currency, limit)
				summary.Status = SummaryStatusExceeded
				e.logger.Warn("cost authorization blocked on category limit",
					"policy_id", policyID,
					"category", category,
					"amount", amount,
					"category_projected", categoryProjected,
					"category_limit", limit,
				)
				return Decision{Allowed: false, Reason: reason, Summary: summary},
					&BudgetExceededError{PolicyID: policyID, Category: category, Amount: amount, Reason: reason, Summary: summary}
			}
		}
	}

	return Decision{Allowed: true, Summary: summary}, nil
}

// RequiresApproval reports whether the policy forces manual approval for
// spend regardless of operation category. Unknown policies do not.
func (e *Enforcer) RequiresApproval(policyID types.ID) bool {
	policy, err := e.policies.Get(policyID)
	return err == nil && policy.Enforcement.ApprovalRequired
}

// Record appends a cost record unconditionally. It is used after a step
// actually incurs cost, which may differ from its authorized estimate.
func (e *Enforcer) Record(rec Record) Record {
	stored := e.ledger.Append(rec)

	if e.sink != nil {
		if err := e.sink.AppendCostRecord(stored); err != nil {
			e.logger.Error("failed to persist cost record",
				"record_id", stored.ID,
				"policy_id", stored.BudgetPolicyID,
				"error", err,
			)
		}
	}

	return stored
}

// Summarize returns a summary of current spend against the policy's limits.
func (e *Enforcer) Summarize(policyID types.ID) (Summary, error) {
	policy, err := e.policies.Get(policyID)
	if err != nil {
		return Summary{}, err
	}
	return e.buildSummary(policy, e.ledger.TotalFor(policyID)), nil
}

// buildSummary computes a summary for the given effective total, which is
// either the current ledger total or a projected total during authorization.
func (e *Enforcer) buildSummary(policy BudgetPolicy, effectiveTotal float64) Summary {
	summary := Summary{
		PolicyID:   policy.ID,
		Total:      e.ledger.TotalFor(policy.ID),
		Currency:   policy.Limits.Currency,
		ByCategory: e.ledger.CategoryTotals(policy.ID),
		Projected:  effectiveTotal,
		Remaining:  policy.Limits.Total - effectiveTotal,
		Status:     SummaryStatusOK,
	}

	// Duration-weighted linear projection across the policy window: spend
	// so far, extrapolated from elapsed window time. Falls back to the
	// effective total when no window applies or too little time elapsed.
	if policy.Limits.Window > 0 {
		if firstAt, ok := e.ledger.FirstRecordedAt(policy.ID); ok {
			elapsed := e.now().Sub(firstAt)
			if elapsed > 0 && elapsed < policy.Limits.Window {
				summary.Projected = effectiveTotal * float64(policy.Limits.Window) / float64(elapsed)
			}
		}
	}

	switch {
	case effectiveTotal > policy.Limits.Total:
		summary.Status = SummaryStatusExceeded
	case policy.Enforcement.WarningThreshold > 0 &&
		effectiveTotal > policy.Limits.Total*policy.Enforcement.WarningThreshold:
		summary.Status = SummaryStatusWarning
	}

	return summary
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edallison777/hypermage-vr-sub001/internal/agent"
	"github.com/edallison777/hypermage-vr-sub001/internal/approval"
	"github.com/edallison777/hypermage-vr-sub001/internal/audit"
	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// ExecutionSink receives execution snapshots at state transitions for
// durable storage. Sink failures are logged and never fail execution.
type ExecutionSink interface {
	SaveExecution(snap Snapshot) error
}

// Executor is the scheduler: it walks a plan's steps in dependency order,
// consults the approval gate and budget enforcer before dispatch, invokes
// the agent, applies retry policy, and maintains the execution state tree.
//
// One Executor drives one plan at a time per Execute call; collaborators
// are injected explicitly and scoped to the owning orchestrator instance.
type Executor struct {
	invoker   agent.Invoker
	gate      *approval.Gate
	approvals *approval.Service
	enforcer  *cost.Enforcer
	trail     audit.Trail
	sink      ExecutionSink
	logger    *slog.Logger
	tracer    trace.Tracer

	maxParallel  int
	retry        RetryPolicy
	approvalWait time.Duration
}

// Option is a functional option for configuring an Executor.
type Option func(*Executor)

// WithAuditTrail configures the audit trail written after terminal step
// transitions.
func WithAuditTrail(trail audit.Trail) Option {
	return func(e *Executor) {
		e.trail = trail
	}
}

// WithExecutionSink configures durable storage for execution snapshots.
func WithExecutionSink(sink ExecutionSink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// WithLogger configures the logger for the executor.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithTracer configures the OpenTelemetry tracer for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithMaxParallel bounds how many independent steps may run concurrently.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = p
	}
}

// WithApprovalWait bounds how long a gated step waits for a decision
// before failing with APPROVAL_TIMEOUT.
func WithApprovalWait(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.approvalWait = d
		}
	}
}

// NewExecutor creates an executor over the given collaborators.
// Default configuration:
//   - maxParallel: 8
//   - retry: DefaultRetryPolicy()
//   - approvalWait: 30 minutes
//   - audit trail: slog-backed LogTrail
func NewExecutor(invoker agent.Invoker, gate *approval.Gate, approvals *approval.Service, enforcer *cost.Enforcer, opts ...Option) *Executor {
	e := &Executor{
		invoker:      invoker,
		gate:         gate,
		approvals:    approvals,
		enforcer:     enforcer,
		logger:       slog.Default(),
		maxParallel:  8,
		retry:        DefaultRetryPolicy(),
		approvalWait: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trail == nil {
		e.trail = audit.NewLogTrail(e.logger)
	}
	return e
}

// Execute runs an approved plan to a terminal or paused state and returns
// its execution. Plans not in approved status fail with PRECONDITION_FAILED.
//
// Resumption after a process crash is at-most-once: an in-flight step whose
// outcome was never recorded is re-evaluated as if never started, which may
// re-invoke it.
func (e *Executor) Execute(ctx context.Context, p *plan.ExecutionPlan) (*Execution, error) {
	exec, err := e.Prepare(p)
	if err != nil {
		return nil, err
	}
	e.Run(ctx, exec)
	return exec, nil
}

// Prepare validates the plan and builds execution state without running
// anything. Callers that need the execution handle before the control loop
// starts (to pause, or to poll status while running) use Prepare plus Run.
func (e *Executor) Prepare(p *plan.ExecutionPlan) (*Execution, error) {
	if p.Status != plan.StatusApproved {
		return nil, types.NewError(types.PRECONDITION_FAILED,
			fmt.Sprintf("plan must be approved before execution, current status: %s", p.Status))
	}
	return NewExecution(p), nil
}

// Run drives the control loop until the execution is terminal or paused.
func (e *Executor) Run(ctx context.Context, exec *Execution) {
	e.logger.Info("starting plan execution",
		"execution_id", exec.ID(),
		"plan_id", exec.PlanID(),
		"environment", exec.plan.Context.Environment,
		"steps", len(exec.plan.Steps),
	)

	e.run(ctx, exec)
}

// Resume re-enters the control loop of a paused execution from its current
// state. No completed step is re-executed.
func (e *Executor) Resume(ctx context.Context, exec *Execution) error {
	if exec.Status().IsTerminal() {
		return types.NewError(types.PRECONDITION_FAILED,
			"execution already terminal: "+string(exec.Status()))
	}

	e.logger.Info("resuming plan execution", "execution_id", exec.ID())
	exec.resume()
	e.run(ctx, exec)
	return nil
}

// run is the control loop. Each tick blocks dependents of failed steps,
// dispatches every ready step up to the parallelism bound, then waits for
// any in-flight step to reach a terminal state before recomputing the
// ready set. A step stuck in an approval wait or a retry backoff therefore
// suspends only itself; independent branches keep dispatching.
func (e *Executor) run(ctx context.Context, exec *Execution) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "plan.execute",
			trace.WithAttributes(
				attribute.String("execution.id", exec.ID().String()),
				attribute.String("plan.id", exec.PlanID().String()),
				attribute.Int("plan.steps", len(exec.plan.Steps)),
			),
		)
		defer span.End()
	}

	stepDone := make(chan struct{})
	inFlight := 0

	for {
		// Cooperative suspension: context cancellation and pause both stop
		// new dispatch; steps already dispatched run to completion before
		// the execution transitions to paused.
		if ctx.Err() != nil || exec.pausePending() {
			for inFlight > 0 {
				<-stepDone
				inFlight--
			}
			exec.markPaused()
			e.persist(exec)
			e.logger.Info("plan execution paused",
				"execution_id", exec.ID(),
				"reason", pauseReason(ctx),
			)
			return
		}

		for _, step := range exec.BlockDependents() {
			e.updateAudit(ctx, exec, step, "blocked", "dependency did not complete")
		}

		// Marking the step running here keeps it out of the next ready-set
		// computation while its goroutine is in flight.
		for _, step := range exec.ReadySteps() {
			if inFlight >= e.maxParallel {
				break
			}
			exec.MarkStepRunning(step.ID, step.Name)
			inFlight++
			go func(s *plan.Step) {
				e.runStep(ctx, exec, s)
				stepDone <- struct{}{}
			}(step)
		}

		if inFlight == 0 {
			if !exec.IsComplete() {
				// Unreachable with a validated DAG; guard anyway.
				e.logger.Error("no dispatchable steps but execution incomplete",
					"execution_id", exec.ID(),
				)
			}
			status := exec.Finalize()
			e.refreshCostSummary(exec)
			e.persist(exec)

			if span != nil {
				if status == StatusFailed {
					span.SetStatus(codes.Error, "plan execution failed")
				} else {
					span.SetStatus(codes.Ok, "plan execution completed")
				}
			}

			e.logger.Info("plan execution finished",
				"execution_id", exec.ID(),
				"status", status,
			)
			return
		}

		<-stepDone
		inFlight--
	}
}

// runStep takes one step through approval, budget authorization, dispatch
// and retry to a terminal state.
func (e *Executor) runStep(ctx context.Context, exec *Execution, step *plan.Step) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "step.execute",
			trace.WithAttributes(
				attribute.String("step.id", step.ID.String()),
				attribute.String("step.name", step.Name),
				attribute.String("step.capability", step.AgentCapability),
			),
		)
		defer span.End()
	}

	e.logger.Info("executing step",
		"execution_id", exec.ID(),
		"step_id", step.ID,
		"step_name", step.Name,
		"capability", step.AgentCapability,
	)

	if err := e.checkApproval(ctx, exec, step); err != nil {
		e.failStep(ctx, exec, step, err, span)
		return
	}

	decision, err := e.enforcer.Authorize(step.EstimatedCost, step.OperationType, exec.plan.Context.BudgetPolicyID)
	if err != nil {
		// Budget blocks are terminal for the step and never retried; the
		// blocking summary travels with the failure so callers can see how
		// far over budget the attempt was. Other authorization errors, an
		// unknown policy id say, carry no summary and must not clobber the
		// stored one.
		var exceeded *cost.BudgetExceededError
		if errors.As(err, &exceeded) {
			exec.SetCostSummary(exceeded.Summary)
		}
		e.failStep(ctx, exec, step, err, span)
		return
	}
	if decision.Summary.Status == cost.SummaryStatusWarning {
		e.logger.Warn("budget warning threshold crossed",
			"execution_id", exec.ID(),
			"step_id", step.ID,
			"projected", decision.Summary.Projected,
			"remaining", decision.Summary.Remaining,
		)
	}

	for {
		result, invokeErr := e.invoker.Invoke(ctx, step.AgentCapability, step.Parameters)
		if invokeErr == nil {
			e.completeStep(ctx, exec, step, result, decision.Summary.Currency, span)
			return
		}

		state, _ := exec.StepState(step.ID)
		if !types.IsRetryable(invokeErr) || state.RetryCount >= e.retry.MaxRetries {
			e.failStep(ctx, exec, step, invokeErr, span)
			return
		}

		retryCount := exec.IncrementRetry(step.ID)
		delay := e.retry.Delay(retryCount)
		e.logger.Info("retrying step",
			"execution_id", exec.ID(),
			"step_id", step.ID,
			"retry", retryCount,
			"max_retries", e.retry.MaxRetries,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			e.failStep(ctx, exec, step,
				types.WrapError(types.AGENT_FAILED, "execution cancelled during retry backoff", ctx.Err()), span)
			return
		case <-time.After(delay):
		}
	}
}

// checkApproval consults the gate and, when the step's operation category
// is gated or the budget policy forces manual approval, opens an approval
// request and waits for a bounded decision. Only this step is suspended;
// independent steps keep running.
func (e *Executor) checkApproval(ctx context.Context, exec *Execution, step *plan.Step) error {
	if e.gate == nil || e.approvals == nil {
		return nil
	}
	gated := e.gate.Check(step.OperationType, exec.plan.Context.Environment) == approval.MustWait
	if !gated && !e.enforcer.RequiresApproval(exec.plan.Context.BudgetPolicyID) {
		return nil
	}

	req := e.approvals.Open(approval.Request{
		OperationType: step.OperationType,
		Description:   fmt.Sprintf("%s (plan %s)", step.Name, exec.PlanID()),
		EstimatedCost: step.EstimatedCost,
		RequestedBy:   exec.plan.Context.RequestedBy,
	})

	e.logger.Info("step waiting for approval",
		"execution_id", exec.ID(),
		"step_id", step.ID,
		"request_id", req.ID,
		"operation_type", step.OperationType,
	)

	decision, err := e.approvals.Await(ctx, req.ID, e.approvalWait)
	if err != nil {
		return err
	}
	if !decision.Approved {
		return types.NewError(types.APPROVAL_REJECTED,
			fmt.Sprintf("step approval rejected by %s: %s", decision.Actor, decision.Reason))
	}

	e.logger.Info("step approved",
		"execution_id", exec.ID(),
		"step_id", step.ID,
		"approver", decision.Actor,
	)
	return nil
}

// completeStep records the step's actual cost, stores its result and
// artifacts, and refreshes the running cost summary.
func (e *Executor) completeStep(ctx context.Context, exec *Execution, step *plan.Step, result *agent.Result, currency string, span trace.Span) {
	actualCost := step.EstimatedCost
	var output map[string]any
	var artifacts []string
	if result != nil {
		output = result.Output
		artifacts = result.Artifacts
		if result.ActualCost > 0 {
			actualCost = result.ActualCost
		}
	}

	if actualCost > 0 {
		e.enforcer.Record(cost.Record{
			Category:       step.OperationType,
			Service:        step.AgentCapability,
			Operation:      step.Name,
			Amount:         actualCost,
			Currency:       currency,
			BudgetPolicyID: exec.plan.Context.BudgetPolicyID,
			Tags: map[string]string{
				"plan_id": exec.PlanID().String(),
				"step_id": step.ID.String(),
			},
		})
	}

	exec.MarkStepCompleted(step.ID, output, artifacts)
	e.refreshCostSummary(exec)
	e.persist(exec)
	e.updateAudit(ctx, exec, step, "completed", fmt.Sprintf("cost %.2f", actualCost))

	if span != nil {
		span.SetStatus(codes.Ok, "step completed")
	}

	state, _ := exec.StepState(step.ID)
	e.logger.Info("step completed",
		"execution_id", exec.ID(),
		"step_id", step.ID,
		"retries", state.RetryCount,
		"artifacts", len(artifacts),
	)
}

// failStep marks the step failed and audits the transition. Dependents are
// blocked by the control loop on its next tick; sibling branches continue.
func (e *Executor) failStep(ctx context.Context, exec *Execution, step *plan.Step, stepErr error, span trace.Span) {
	exec.MarkStepFailed(step.ID, stepErr, step.Optional)
	e.refreshCostSummary(exec)
	e.persist(exec)
	e.updateAudit(ctx, exec, step, "failed", stepErr.Error())

	if span != nil {
		span.SetStatus(codes.Error, "step failed")
		span.RecordError(stepErr)
	}

	e.logger.Error("step failed",
		"execution_id", exec.ID(),
		"step_id", step.ID,
		"step_name", step.Name,
		"optional", step.Optional,
		"error", stepErr,
	)
}

// refreshCostSummary stores the current policy summary on the execution.
// A summary pinned by a budget block is kept: the blocking summary is what
// the caller needs to see, and a recompute would understate it because the
// blocked amount was never recorded.
func (e *Executor) refreshCostSummary(exec *Execution) {
	if exec.CostSummary().Status == cost.SummaryStatusExceeded {
		return
	}

	summary, err := e.enforcer.Summarize(exec.plan.Context.BudgetPolicyID)
	if err != nil {
		return
	}
	exec.SetCostSummary(summary)
}

// updateAudit appends a change note for a terminal step transition. The
// trail is write-only and fire-and-forget: failures are logged, never fatal.
func (e *Executor) updateAudit(ctx context.Context, exec *Execution, step *plan.Step, action, note string) {
	err := e.trail.AppendChangeNote(ctx, exec.PlanID().String(), audit.ChangeNote{
		Timestamp: time.Now(),
		Actor:     step.AgentCapability,
		Action:    action,
		Note:      fmt.Sprintf("step %s: %s", step.Name, note),
	})
	if err != nil {
		e.logger.Warn("failed to append audit change note",
			"execution_id", exec.ID(),
			"step_id", step.ID,
			"error", err,
		)
	}
}

// persist saves a snapshot to the execution sink, if any.
func (e *Executor) persist(exec *Execution) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveExecution(exec.Snapshot()); err != nil {
		e.logger.Error("failed to persist execution snapshot",
			"execution_id", exec.ID(),
			"error", err,
		)
	}
}

func pauseReason(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	return "pause requested"
}

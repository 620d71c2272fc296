// Package orchestrator is the facade over plan generation, approval
// gating, budget enforcement and execution. Callers create plans from a
// natural-language specification, approve or reject them, and drive their
// execution through a single coordinating component.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/edallison777/hypermage-vr-sub001/internal/agent"
	"github.com/edallison777/hypermage-vr-sub001/internal/approval"
	"github.com/edallison777/hypermage-vr-sub001/internal/audit"
	"github.com/edallison777/hypermage-vr-sub001/internal/config"
	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/executor"
	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
	"github.com/edallison777/hypermage-vr-sub001/internal/store"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Orchestrator coordinates the planning and execution subsystems. One
// orchestrator owns its policy store, approval service and cost ledger;
// nothing is shared process-wide.
type Orchestrator struct {
	generator *plan.Generator
	policies  *cost.PolicyStore
	ledger    *cost.Ledger
	enforcer  *cost.Enforcer
	gate      *approval.Gate
	approvals *approval.Service
	executor  *executor.Executor

	plans      store.PlanDAO
	executions store.ExecutionDAO

	defaultPolicyID types.ID
	logger          *slog.Logger

	mu        sync.Mutex
	planByID  map[types.ID]*plan.ExecutionPlan
	runs      map[types.ID]*run
	runByPlan map[types.ID]types.ID
}

// run tracks one in-process execution.
type run struct {
	exec   *executor.Execution
	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	trail      audit.Trail
	plans      store.PlanDAO
	executions store.ExecutionDAO
	costs      store.CostRecordDAO
	requests   store.ApprovalDAO
}

// WithLogger configures the logger shared by the orchestrator's components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer configures the OpenTelemetry tracer for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithAuditTrail configures the audit trail for step transitions.
func WithAuditTrail(trail audit.Trail) Option {
	return func(o *options) { o.trail = trail }
}

// WithStores wires durable persistence for plans, execution snapshots,
// cost records and approval requests. Without it the orchestrator runs
// fully in memory.
func WithStores(db *store.DB) Option {
	return func(o *options) {
		o.plans = store.NewPlanDAO(db)
		o.executions = store.NewExecutionDAO(db)
		o.costs = store.NewCostRecordDAO(db)
		o.requests = store.NewApprovalDAO(db)
	}
}

// New assembles an orchestrator from configuration, a plan generation
// strategy and an agent invoker. The invoker is consulted for capability
// existence at plan generation time when it is a *agent.Registry.
func New(cfg *config.Config, strategy plan.Strategy, invoker agent.Invoker, opts ...Option) *Orchestrator {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	policies := cost.NewPolicyStore()
	defaultPolicy := policies.Put(cfg.BudgetPolicy())
	ledger := cost.NewLedger()

	enforcerOpts := []cost.EnforcerOption{cost.WithEnforcerLogger(o.logger)}
	if o.costs != nil {
		enforcerOpts = append(enforcerOpts, cost.WithRecordSink(store.NewCostSink(o.costs)))
	}
	enforcer := cost.NewEnforcer(ledger, policies, enforcerOpts...)

	gate := approval.NewGate(cfg.GatePolicies())

	approvalOpts := []approval.ServiceOption{approval.WithServiceLogger(o.logger)}
	if o.requests != nil {
		approvalOpts = append(approvalOpts, approval.WithRequestSink(store.NewApprovalSink(o.requests)))
	}
	approvals := approval.NewService(approvalOpts...)

	genOpts := []plan.GeneratorOption{plan.WithGeneratorLogger(o.logger)}
	if registry, ok := invoker.(*agent.Registry); ok {
		genOpts = append(genOpts, plan.WithCapabilityResolver(registry))
	}
	generator := plan.NewGenerator(strategy, genOpts...)

	execOpts := []executor.Option{
		executor.WithLogger(o.logger),
		executor.WithMaxParallel(cfg.Core.ParallelLimit),
		executor.WithRetryPolicy(cfg.RetryPolicy()),
		executor.WithApprovalWait(cfg.Approvals.Wait),
	}
	if o.tracer != nil {
		execOpts = append(execOpts, executor.WithTracer(o.tracer))
	}
	if o.trail != nil {
		execOpts = append(execOpts, executor.WithAuditTrail(o.trail))
	}
	if o.executions != nil {
		execOpts = append(execOpts, executor.WithExecutionSink(store.NewSnapshotSink(o.executions)))
	}
	exec := executor.NewExecutor(invoker, gate, approvals, enforcer, execOpts...)

	return &Orchestrator{
		generator:       generator,
		policies:        policies,
		ledger:          ledger,
		enforcer:        enforcer,
		gate:            gate,
		approvals:       approvals,
		executor:        exec,
		plans:           o.plans,
		executions:      o.executions,
		defaultPolicyID: defaultPolicy.ID,
		logger:          o.logger,
		planByID:        make(map[types.ID]*plan.ExecutionPlan),
		runs:            make(map[types.ID]*run),
		runByPlan:       make(map[types.ID]types.ID),
	}
}

// CreatePlan generates a plan from a specification. The plan is returned
// in pending status; nothing executes until it is approved. A plan context
// without a budget policy is bound to the configured default policy.
func (o *Orchestrator) CreatePlan(ctx context.Context, specification string, planCtx plan.Context) (*plan.ExecutionPlan, error) {
	if planCtx.BudgetPolicyID.IsZero() {
		planCtx.BudgetPolicyID = o.defaultPolicyID
	}

	p, err := o.generator.Generate(ctx, specification, planCtx)
	if err != nil {
		return nil, err
	}

	if o.plans != nil {
		if err := o.plans.Create(ctx, p); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	o.planByID[p.ID] = p
	o.mu.Unlock()

	o.logger.Info("plan created",
		"plan_id", p.ID,
		"environment", p.Context.Environment,
		"steps", len(p.Steps),
		"estimated_cost", p.EstimatedCost,
	)
	return p, nil
}

// Execute decides a pending plan and, when approved, starts its execution
// in the background. Parameter modifications are applied to the named
// steps before the plan is frozen. A rejected decision transitions the
// plan to rejected and returns NOT_APPROVED.
//
// Executing a plan whose previous execution is paused resumes it instead
// of starting over; completed steps are never re-executed. A previous
// execution that failed on a budget block or an approval outcome is also
// re-driven: the affected steps go back to pending so raised budgets or
// granted approvals take effect without rebuilding the plan. When the
// in-memory run is gone, the latest stored snapshot is restored first.
func (o *Orchestrator) Execute(ctx context.Context, planID types.ID, approved bool, modifications map[types.ID]map[string]any) (types.ID, error) {
	p, err := o.getPlan(ctx, planID)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	execID, ok := o.runByPlan[planID]
	var r *run
	if ok {
		r = o.runs[execID]
	}
	o.mu.Unlock()

	if r == nil {
		r, execID = o.restoreRun(ctx, p)
	}
	if r != nil {
		return o.redrive(execID, r, approved)
	}

	if !approved {
		if err := o.transitionPlan(ctx, p, plan.StatusRejected); err != nil {
			return "", err
		}
		return "", types.NewError(types.NOT_APPROVED, "plan was not approved: "+planID.String())
	}

	if err := o.applyModifications(ctx, p, modifications); err != nil {
		return "", err
	}
	if err := o.transitionPlan(ctx, p, plan.StatusApproved); err != nil {
		return "", err
	}

	exec, err := o.executor.Prepare(p)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r = &run{exec: exec, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.runs[exec.ID()] = r
	o.runByPlan[planID] = exec.ID()
	o.mu.Unlock()

	go func() {
		defer close(r.done)
		o.executor.Run(runCtx, exec)
	}()

	return exec.ID(), nil
}

// GetStatus returns a point-in-time snapshot of an execution. Live
// executions are served from memory; finished ones fall back to the
// execution store when configured.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID types.ID) (executor.Snapshot, error) {
	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()

	if ok {
		return r.exec.Snapshot(), nil
	}
	if o.executions != nil {
		return o.executions.GetByID(ctx, executionID)
	}
	return executor.Snapshot{}, types.NewError(types.NOT_FOUND, "execution not found: "+executionID.String())
}

// Pause requests that an execution stops dispatching new steps. In-flight
// steps run to completion; the execution transitions to paused at the
// next scheduling boundary.
func (o *Orchestrator) Pause(executionID types.ID) error {
	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()

	if !ok {
		return types.NewError(types.NOT_FOUND, "execution not found: "+executionID.String())
	}
	r.exec.Pause()
	return nil
}

// Resume re-enters a paused execution from its recorded state.
func (o *Orchestrator) Resume(executionID types.ID) error {
	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()

	if !ok {
		return types.NewError(types.NOT_FOUND, "execution not found: "+executionID.String())
	}
	if r.exec.Status() != executor.StatusPaused {
		return types.NewError(types.CONFLICT,
			"execution is not paused: "+executionID.String())
	}
	return o.resumeLocked(executionID, r)
}

// Wait blocks until the execution's control loop returns, the context is
// cancelled, or the execution is unknown. A paused execution counts as
// returned.
func (o *Orchestrator) Wait(ctx context.Context, executionID types.ID) error {
	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()

	if !ok {
		return types.NewError(types.NOT_FOUND, "execution not found: "+executionID.String())
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingApprovals lists the approval requests awaiting a decision.
func (o *Orchestrator) PendingApprovals() []approval.Request {
	return o.approvals.Pending()
}

// ApproveRequest approves a pending request, waking the step waiting on it.
func (o *Orchestrator) ApproveRequest(requestID types.ID, actor string) error {
	return o.approvals.Approve(requestID, actor)
}

// RejectRequest rejects a pending request with a reason.
func (o *Orchestrator) RejectRequest(requestID types.ID, actor, reason string) error {
	return o.approvals.Reject(requestID, actor, reason)
}

// Shutdown cancels every in-process execution and waits for their control
// loops to return. Interrupted executions are left paused and resumable.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// redrive re-drives a plan whose execution already exists: a paused run
// resumes, a running one is simply reported, and a failure cleared by
// caller intervention re-opens the affected steps. Anything else conflicts.
func (o *Orchestrator) redrive(execID types.ID, r *run, approved bool) (types.ID, error) {
	switch r.exec.Status() {
	case executor.StatusPaused:
		return execID, o.resumeLocked(execID, r)
	case executor.StatusRunning:
		return execID, nil
	case executor.StatusFailed:
		if approved && r.exec.ResetInterventionFailures() > 0 {
			o.logger.Info("re-driving execution after intervention",
				"execution_id", execID,
				"plan_id", r.exec.PlanID(),
			)
			return execID, o.resumeLocked(execID, r)
		}
	}
	return "", types.NewError(types.CONFLICT,
		"plan already executed: "+r.exec.PlanID().String())
}

// restoreRun rehydrates the most recent stored execution of the plan, so
// resumption and re-driving survive a process restart. Returns nil when no
// store is wired or nothing was persisted.
func (o *Orchestrator) restoreRun(ctx context.Context, p *plan.ExecutionPlan) (*run, types.ID) {
	if o.executions == nil {
		return nil, ""
	}
	snaps, err := o.executions.ListByPlan(ctx, p.ID)
	if err != nil || len(snaps) == 0 {
		return nil, ""
	}
	snap := snaps[len(snaps)-1]

	exec, err := executor.RestoreExecution(p, snap)
	if err != nil {
		o.logger.Error("failed to restore execution from snapshot",
			"plan_id", p.ID,
			"execution_id", snap.ID,
			"error", err,
		)
		return nil, ""
	}

	done := make(chan struct{})
	close(done)
	r := &run{exec: exec, cancel: func() {}, done: done}

	o.mu.Lock()
	o.runs[exec.ID()] = r
	o.runByPlan[p.ID] = exec.ID()
	o.mu.Unlock()

	o.logger.Info("restored execution from stored snapshot",
		"execution_id", exec.ID(),
		"plan_id", p.ID,
		"status", exec.Status(),
	)
	return r, exec.ID()
}

// resumeLocked restarts the control loop of a paused execution with a
// fresh done channel.
func (o *Orchestrator) resumeLocked(executionID types.ID, r *run) error {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	r.cancel = cancel
	r.done = done
	o.mu.Unlock()

	go func() {
		defer close(done)
		if err := o.executor.Resume(runCtx, r.exec); err != nil {
			o.logger.Error("failed to resume execution",
				"execution_id", executionID,
				"error", err,
			)
		}
	}()
	return nil
}

// getPlan serves a plan from memory, falling back to the plan store.
func (o *Orchestrator) getPlan(ctx context.Context, planID types.ID) (*plan.ExecutionPlan, error) {
	o.mu.Lock()
	p, ok := o.planByID[planID]
	o.mu.Unlock()
	if ok {
		return p, nil
	}

	if o.plans != nil {
		p, err := o.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.planByID[planID] = p
		o.mu.Unlock()
		return p, nil
	}
	return nil, types.NewError(types.NOT_FOUND, "plan not found: "+planID.String())
}

// applyModifications overwrites step parameters named by the caller before
// the plan freezes for execution. Unknown step ids are rejected.
func (o *Orchestrator) applyModifications(ctx context.Context, p *plan.ExecutionPlan, modifications map[types.ID]map[string]any) error {
	if len(modifications) == 0 {
		return nil
	}

	for stepID, params := range modifications {
		step := p.StepByID(stepID)
		if step == nil {
			return types.NewError(types.VALIDATION_FAILED,
				"modification targets unknown step: "+stepID.String())
		}
		if step.Parameters == nil {
			step.Parameters = make(map[string]any, len(params))
		}
		for k, v := range params {
			step.Parameters[k] = v
		}
	}

	if o.plans != nil {
		return o.plans.UpdateSteps(ctx, p.ID, p.Steps)
	}
	return nil
}

// transitionPlan moves a plan to the target status, enforcing the legal
// transition set, and mirrors the change to the plan store.
func (o *Orchestrator) transitionPlan(ctx context.Context, p *plan.ExecutionPlan, target plan.Status) error {
	if !p.Status.CanTransitionTo(target) {
		return types.NewError(types.CONFLICT,
			"illegal plan status transition: "+string(p.Status)+" -> "+string(target))
	}
	p.Status = target

	if o.plans != nil {
		return o.plans.UpdateStatus(ctx, p.ID, target)
	}
	return nil
}

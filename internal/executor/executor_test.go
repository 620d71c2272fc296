package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edallison777/hypermage-vr-sub001/internal/agent"
	"github.com/edallison777/hypermage-vr-sub001/internal/approval"
	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// recordingInvoker wraps handlers and records every invocation.
type recordingInvoker struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]agent.Handler
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{handlers: make(map[string]agent.Handler)}
}

func (r *recordingInvoker) handle(capability string, handler agent.Handler) {
	r.handlers[capability] = handler
}

func (r *recordingInvoker) succeed(capability string) {
	r.handle(capability, func(context.Context, map[string]any) (*agent.Result, error) {
		return &agent.Result{}, nil
	})
}

func (r *recordingInvoker) Invoke(ctx context.Context, capability string, parameters map[string]any) (*agent.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, capability)
	r.mu.Unlock()

	handler, ok := r.handlers[capability]
	if !ok {
		return nil, agent.NewInvokeError("unknown capability: " + capability)
	}
	return handler(ctx, parameters)
}

func (r *recordingInvoker) callCount(capability string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == capability {
			n++
		}
	}
	return n
}

func (r *recordingInvoker) callIndex(capability string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.calls {
		if c == capability {
			return i
		}
	}
	return -1
}

// testRig bundles the executor's collaborators with sensible defaults.
type testRig struct {
	invoker   *recordingInvoker
	gate      *approval.Gate
	approvals *approval.Service
	policies  *cost.PolicyStore
	ledger    *cost.Ledger
	enforcer  *cost.Enforcer
	policyID  types.ID
}

func newTestRig(t *testing.T, budgetTotal float64) *testRig {
	t.Helper()

	policies := cost.NewPolicyStore()
	policy := policies.Put(cost.BudgetPolicy{
		Environment: "sandbox",
		Limits:      cost.BudgetLimits{Total: budgetTotal, Currency: "USD", Window: 24 * time.Hour},
		Enforcement: cost.BudgetEnforcement{Mode: cost.ModeBlock, WarningThreshold: 0.8},
	})
	ledger := cost.NewLedger()

	return &testRig{
		invoker:   newRecordingInvoker(),
		gate:      approval.NewGate(nil),
		approvals: approval.NewService(),
		policies:  policies,
		ledger:    ledger,
		enforcer:  cost.NewEnforcer(ledger, policies),
		policyID:  policy.ID,
	}
}

func (rig *testRig) executor(opts ...Option) *Executor {
	base := []Option{
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BackoffBase: time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}),
		WithApprovalWait(100 * time.Millisecond),
	}
	return NewExecutor(rig.invoker, rig.gate, rig.approvals, rig.enforcer, append(base, opts...)...)
}

// approvedPlan builds an approved plan whose steps chain by the given
// dependency indices (-1 means no dependency).
func (rig *testRig) approvedPlan(steps ...plan.Step) *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		ID:            types.NewID(),
		Specification: "test plan",
		Context:       plan.Context{Environment: "sandbox", BudgetPolicyID: rig.policyID},
		Status:        plan.StatusApproved,
		Steps:         steps,
		CreatedAt:     time.Now(),
	}
}

func step(name, capability, opType string, estCost float64, deps ...types.ID) plan.Step {
	return plan.Step{
		ID:              types.NewID(),
		Name:            name,
		OperationType:   opType,
		AgentCapability: capability,
		EstimatedCost:   estCost,
		DependsOn:       deps,
	}
}

func TestExecuteRequiresApprovedPlan(t *testing.T) {
	rig := newTestRig(t, 100)
	p := rig.approvedPlan(step("a", "level.build", plan.OpContentCreation, 1))
	p.Status = plan.StatusPending

	_, err := rig.executor().Execute(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.PRECONDITION_FAILED, "")))
}

func TestDependencyOrdering(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.succeed("asset.generate")
	rig.invoker.succeed("level.build")
	rig.invoker.succeed("world.deploy")

	a := step("assets", "asset.generate", plan.OpAssetGeneration, 1)
	b := step("build", "level.build", plan.OpContentCreation, 1, a.ID)
	c := step("deploy", "world.deploy", plan.OpDeployment, 1, b.ID)

	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a, b, c))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())

	// A step's dispatch never begins before its dependencies are terminal.
	assert.Less(t, rig.invoker.callIndex("asset.generate"), rig.invoker.callIndex("level.build"))
	assert.Less(t, rig.invoker.callIndex("level.build"), rig.invoker.callIndex("world.deploy"))

	snap := exec.Snapshot()
	assert.Equal(t, 3, snap.Progress.Completed)
	assert.Equal(t, 3, snap.Progress.Total)
}

func TestBudgetBlockedStep(t *testing.T) {
	// Example: A and B estimate 5+5 against a 6-unit block budget.
	rig := newTestRig(t, 6)
	rig.invoker.succeed("asset.generate")
	rig.invoker.succeed("level.build")

	a := step("a", "asset.generate", plan.OpAssetGeneration, 5)
	b := step("b", "level.build", plan.OpContentCreation, 5, a.ID)

	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a, b))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())

	aState, _ := exec.StepState(a.ID)
	bState, _ := exec.StepState(b.ID)
	assert.Equal(t, StepStatusCompleted, aState.Status)
	assert.Equal(t, StepStatusFailed, bState.Status)

	// The blocked step was never dispatched to its agent and is not retried.
	assert.Equal(t, 0, rig.invoker.callCount("level.build"))
	assert.Equal(t, 0, bState.RetryCount)

	// The failure carries the summary that triggered the block.
	var exceeded *cost.BudgetExceededError
	require.True(t, errors.As(bState.Error, &exceeded))
	assert.Equal(t, cost.SummaryStatusExceeded, exceeded.Summary.Status)

	snap := exec.Snapshot()
	assert.True(t, errors.Is(snap.Error, types.NewError(types.BUDGET_EXCEEDED, "")))
	assert.Equal(t, cost.SummaryStatusExceeded, snap.CostSummary.Status)
}

func TestPolicyRequiredApprovalGatesEveryStep(t *testing.T) {
	// Autonomous environment, but the budget policy forces manual approval
	// regardless of operation category.
	rig := newTestRig(t, 100)
	policy, err := rig.policies.Get(rig.policyID)
	require.NoError(t, err)
	policy.Enforcement.ApprovalRequired = true
	rig.policies.Put(policy)

	rig.invoker.succeed("asset.generate")

	decided := make(chan types.ID, 1)
	go func() {
		for {
			if pending := rig.approvals.Pending(); len(pending) > 0 {
				_ = rig.approvals.Approve(pending[0].ID, "lead@studio")
				decided <- pending[0].ID
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	a := step("a", "asset.generate", plan.OpAssetGeneration, 1)
	exec, err := rig.executor(WithApprovalWait(2 * time.Second)).Execute(context.Background(), rig.approvedPlan(a))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Equal(t, 1, rig.invoker.callCount("asset.generate"))

	select {
	case id := <-decided:
		assert.False(t, id.IsZero())
	default:
		t.Fatal("no approval request was opened for the forced-approval policy")
	}
}

func TestAuthorizeErrorKeepsStoredSummary(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.succeed("asset.generate")

	p := rig.approvedPlan(step("a", "asset.generate", plan.OpAssetGeneration, 1))
	p.Context.BudgetPolicyID = types.NewID() // never stored

	ex := rig.executor()
	exec, err := ex.Prepare(p)
	require.NoError(t, err)

	seeded := cost.Summary{PolicyID: rig.policyID, Total: 42, Status: cost.SummaryStatusWarning}
	exec.SetCostSummary(seeded)

	ex.Run(context.Background(), exec)

	assert.Equal(t, StatusFailed, exec.Status())
	assert.True(t, errors.Is(exec.Snapshot().Error, types.NewError(types.NOT_FOUND, "")))

	// The unknown-policy failure carries no summary; the stored one stays.
	assert.Equal(t, seeded, exec.Snapshot().CostSummary)
}

func TestAutonomousEnvironmentCreatesNoApprovals(t *testing.T) {
	// Example: same two-step plan, budget 20, autonomous environment.
	rig := newTestRig(t, 20)
	rig.invoker.succeed("asset.generate")
	rig.invoker.succeed("level.build")

	a := step("a", "asset.generate", plan.OpAssetGeneration, 5)
	b := step("b", "level.build", plan.OpContentCreation, 5, a.ID)

	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a, b))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Empty(t, rig.approvals.Pending())
	assert.Equal(t, 10.0, rig.ledger.TotalFor(rig.policyID))
}

func TestGatedStepApprovalTimeout(t *testing.T) {
	// Example: gated environment, B's operation type requires approval,
	// nobody decides within the wait bound.
	rig := newTestRig(t, 100)
	rig.gate.SetPolicy("sandbox", approval.EnvironmentPolicy{
		Mode:            approval.ModeGated,
		GatedOperations: []string{plan.OpDeployment},
	})
	rig.invoker.succeed("asset.generate")
	rig.invoker.succeed("world.deploy")

	a := step("a", "asset.generate", plan.OpAssetGeneration, 1)
	b := step("b", "world.deploy", plan.OpDeployment, 1, a.ID)

	exec, err := rig.executor(WithApprovalWait(30 * time.Millisecond)).Execute(context.Background(), rig.approvedPlan(a, b))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())

	aState, _ := exec.StepState(a.ID)
	bState, _ := exec.StepState(b.ID)
	assert.Equal(t, StepStatusCompleted, aState.Status)
	assert.Equal(t, StepStatusFailed, bState.Status)
	assert.True(t, errors.Is(bState.Error, types.NewError(types.APPROVAL_TIMEOUT, "")))

	// The gated agent never ran.
	assert.Equal(t, 0, rig.invoker.callCount("world.deploy"))

	// The stored request is still pending so a late decision can be audited.
	pending := rig.approvals.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, plan.OpDeployment, pending[0].OperationType)
}

func TestApprovalWaitSuspendsOnlyTheGatedStep(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.gate.SetPolicy("sandbox", approval.EnvironmentPolicy{
		Mode:            approval.ModeGated,
		GatedOperations: []string{plan.OpDeployment},
	})
	rig.invoker.succeed("asset.generate")

	start := time.Now()
	var buildElapsed time.Duration
	rig.invoker.handle("level.build", func(context.Context, map[string]any) (*agent.Result, error) {
		buildElapsed = time.Since(start)
		return &agent.Result{}, nil
	})

	// The deploy step waits for an approval nobody gives. The assets/build
	// branch shares no dependency with it and must not wait along.
	d := step("deploy", "world.deploy", plan.OpDeployment, 1)
	a := step("assets", "asset.generate", plan.OpAssetGeneration, 1)
	b := step("build", "level.build", plan.OpContentCreation, 1, a.ID)

	exec, err := rig.executor(WithApprovalWait(400 * time.Millisecond)).Execute(context.Background(), rig.approvedPlan(d, a, b))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())

	dState, _ := exec.StepState(d.ID)
	bState, _ := exec.StepState(b.ID)
	assert.True(t, errors.Is(dState.Error, types.NewError(types.APPROVAL_TIMEOUT, "")))
	assert.Equal(t, StepStatusCompleted, bState.Status)

	// Build became ready mid-wait and ran well before the wait elapsed.
	assert.Less(t, buildElapsed, 200*time.Millisecond)
}

func TestRetryBackoffSuspendsOnlyTheRetryingStep(t *testing.T) {
	rig := newTestRig(t, 100)

	attempts := 0
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		attempts++
		if attempts <= 2 {
			return nil, agent.NewTransientError("asset service flapping")
		}
		return &agent.Result{}, nil
	})

	start := time.Now()
	var buildElapsed time.Duration
	rig.invoker.handle("level.build", func(context.Context, map[string]any) (*agent.Result, error) {
		buildElapsed = time.Since(start)
		return &agent.Result{}, nil
	})

	a := step("assets", "asset.generate", plan.OpAssetGeneration, 1)
	b := step("build", "level.build", plan.OpContentCreation, 1)

	slow := RetryPolicy{MaxRetries: 3, BackoffBase: 150 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	exec, err := rig.executor(WithRetryPolicy(slow)).Execute(context.Background(), rig.approvedPlan(a, b))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Less(t, buildElapsed, 100*time.Millisecond)
}

func TestGatedStepApproved(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.gate.SetPolicy("sandbox", approval.EnvironmentPolicy{
		Mode:            approval.ModeGated,
		GatedOperations: []string{plan.OpDeployment},
	})
	rig.invoker.succeed("world.deploy")

	// Approve the request as soon as it shows up.
	go func() {
		for {
			if pending := rig.approvals.Pending(); len(pending) > 0 {
				_ = rig.approvals.Approve(pending[0].ID, "ops@studio")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d := step("deploy", "world.deploy", plan.OpDeployment, 1)
	exec, err := rig.executor(WithApprovalWait(2 * time.Second)).Execute(context.Background(), rig.approvedPlan(d))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Equal(t, 1, rig.invoker.callCount("world.deploy"))
}

func TestGatedStepRejected(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.gate.SetPolicy("sandbox", approval.EnvironmentPolicy{
		Mode:            approval.ModeGated,
		GatedOperations: []string{plan.OpDeployment},
	})
	rig.invoker.succeed("world.deploy")
	rig.invoker.succeed("test.run")

	go func() {
		for {
			if pending := rig.approvals.Pending(); len(pending) > 0 {
				_ = rig.approvals.Reject(pending[0].ID, "ops@studio", "not during launch week")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d := step("deploy", "world.deploy", plan.OpDeployment, 1)
	v := step("verify", "test.run", plan.OpTesting, 1, d.ID)

	exec, err := rig.executor(WithApprovalWait(2 * time.Second)).Execute(context.Background(), rig.approvedPlan(d, v))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())

	dState, _ := exec.StepState(d.ID)
	vState, _ := exec.StepState(v.ID)
	assert.True(t, errors.Is(dState.Error, types.NewError(types.APPROVAL_REJECTED, "")))
	assert.Equal(t, StepStatusBlocked, vState.Status)
	assert.Equal(t, 0, rig.invoker.callCount("world.deploy"))
	assert.Equal(t, 0, rig.invoker.callCount("test.run"))
}

func TestRetryableErrorRetriesWithBackoff(t *testing.T) {
	rig := newTestRig(t, 100)

	attempts := 0
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		attempts++
		if attempts <= 2 {
			return nil, agent.NewTransientError("asset service flapping")
		}
		return &agent.Result{}, nil
	})

	a := step("a", "asset.generate", plan.OpAssetGeneration, 1)
	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	state, _ := exec.StepState(a.ID)
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, 3, rig.invoker.callCount("asset.generate"))
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		return nil, agent.NewTransientError("still flapping")
	})

	a := step("a", "asset.generate", plan.OpAssetGeneration, 1)
	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())
	state, _ := exec.StepState(a.ID)
	assert.Equal(t, StepStatusFailed, state.Status)
	assert.Equal(t, 3, state.RetryCount)
	// Initial attempt plus three retries.
	assert.Equal(t, 4, rig.invoker.callCount("asset.generate"))
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.handle("level.build", func(context.Context, map[string]any) (*agent.Result, error) {
		return nil, agent.NewInvokeError("malformed level parameters")
	})

	a := step("a", "level.build", plan.OpContentCreation, 1)
	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())
	assert.Equal(t, 1, rig.invoker.callCount("level.build"))
}

func TestFailurePropagatesOnlyToDependents(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		return nil, agent.NewInvokeError("broken")
	})
	rig.invoker.succeed("level.build")
	rig.invoker.succeed("test.run")

	a := step("a", "asset.generate", plan.OpAssetGeneration, 1)
	b := step("b", "level.build", plan.OpContentCreation, 1, a.ID)
	c := step("c", "test.run", plan.OpTesting, 1, b.ID)
	d := step("d", "test.run", plan.OpTesting, 1) // independent branch

	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a, b, c, d))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status())

	bState, _ := exec.StepState(b.ID)
	cState, _ := exec.StepState(c.ID)
	dState, _ := exec.StepState(d.ID)
	assert.Equal(t, StepStatusBlocked, bState.Status)
	assert.Equal(t, StepStatusBlocked, cState.Status)
	assert.Equal(t, StepStatusCompleted, dState.Status)

	// GetStatus exposes the first failing required step's error verbatim.
	snap := exec.Snapshot()
	assert.Contains(t, snap.ErrorText, "broken")
}

func TestOptionalStepFailureDoesNotFailPlan(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.succeed("level.build")
	rig.invoker.handle("test.run", func(context.Context, map[string]any) (*agent.Result, error) {
		return nil, agent.NewInvokeError("flaky suite")
	})

	a := step("build", "level.build", plan.OpContentCreation, 1)
	smoke := step("smoke", "test.run", plan.OpTesting, 1, a.ID)
	smoke.Optional = true

	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a, smoke))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	state, _ := exec.StepState(smoke.ID)
	assert.Equal(t, StepStatusFailed, state.Status)
	assert.Nil(t, exec.Snapshot().Error)
}

func TestActualCostRecordedOverEstimate(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		return &agent.Result{ActualCost: 7.5, Artifacts: []string{"assets/tree.glb"}}, nil
	})

	a := step("a", "asset.generate", plan.OpAssetGeneration, 5)
	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a))
	require.NoError(t, err)

	assert.Equal(t, 7.5, rig.ledger.TotalFor(rig.policyID))
	records := rig.ledger.Records(rig.policyID)
	require.Len(t, records, 1)
	assert.Equal(t, plan.OpAssetGeneration, records[0].Category)
	assert.Equal(t, exec.PlanID().String(), records[0].Tags["plan_id"])
	assert.Equal(t, []string{"assets/tree.glb"}, exec.Snapshot().Artifacts)
}

func TestPauseAndResume(t *testing.T) {
	rig := newTestRig(t, 100)

	started := make(chan struct{})
	release := make(chan struct{})
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		close(started)
		<-release
		return &agent.Result{}, nil
	})
	rig.invoker.succeed("level.build")

	a := step("a", "asset.generate", plan.OpAssetGeneration, 1)
	b := step("b", "level.build", plan.OpContentCreation, 1, a.ID)

	ex := rig.executor()
	exec, err := ex.Prepare(rig.approvedPlan(a, b))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ex.Run(context.Background(), exec)
		close(done)
	}()

	// Pause while the first step is in flight, then let it finish.
	<-started
	exec.Pause()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop did not observe the pause")
	}

	// The in-flight step ran to completion; no new dispatch happened.
	assert.Equal(t, StatusPaused, exec.Status())
	aState, _ := exec.StepState(a.ID)
	bState, _ := exec.StepState(b.ID)
	assert.Equal(t, StepStatusCompleted, aState.Status)
	assert.Equal(t, StepStatusPending, bState.Status)
	assert.Equal(t, 0, rig.invoker.callCount("level.build"))

	// Resuming re-enters from current state without re-executing A.
	require.NoError(t, ex.Resume(context.Background(), exec))
	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Equal(t, 1, rig.invoker.callCount("asset.generate"))
	assert.Equal(t, 1, rig.invoker.callCount("level.build"))
}

func TestSnapshotIdempotent(t *testing.T) {
	rig := newTestRig(t, 100)
	rig.invoker.succeed("level.build")

	a := step("a", "level.build", plan.OpContentCreation, 1)
	exec, err := rig.executor().Execute(context.Background(), rig.approvedPlan(a))
	require.NoError(t, err)

	first := exec.Snapshot()
	second := exec.Snapshot()
	assert.Equal(t, first, second)
}

func TestIndependentStepsRunConcurrently(t *testing.T) {
	rig := newTestRig(t, 100)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	rig.invoker.handle("asset.generate", func(context.Context, map[string]any) (*agent.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &agent.Result{}, nil
	})

	steps := []plan.Step{
		step("a", "asset.generate", plan.OpAssetGeneration, 1),
		step("b", "asset.generate", plan.OpAssetGeneration, 1),
		step("c", "asset.generate", plan.OpAssetGeneration, 1),
	}

	exec, err := rig.executor(WithMaxParallel(3)).Execute(context.Background(), rig.approvedPlan(steps...))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status())
	assert.GreaterOrEqual(t, peak, 2)
}

func TestRetryDelayStrictlyIncreases(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Minute}
	assert.Equal(t, 200*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(3))

	capped := RetryPolicy{MaxRetries: 5, BackoffBase: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, capped.Delay(3))
}

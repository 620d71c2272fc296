package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edallison777/hypermage-vr-sub001/internal/agent"
	"github.com/edallison777/hypermage-vr-sub001/internal/config"
	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/executor"
	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
	"github.com/edallison777/hypermage-vr-sub001/internal/store"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// chainStrategy emits a fixed asset -> build chain.
type chainStrategy struct{}

func (chainStrategy) Classify(_ context.Context, _ string, _ plan.Context) ([]plan.StepTemplate, error) {
	return []plan.StepTemplate{
		{
			TemplateID:    "assets",
			Name:          "generate assets",
			OperationType: plan.OpAssetGeneration,
			Capability:    "asset.generate",
			EstimatedCost: 5,
		},
		{
			TemplateID:    "build",
			Name:          "build level",
			OperationType: plan.OpContentCreation,
			Capability:    "level.build",
			EstimatedCost: 3,
			DependsOn:     []string{"assets"},
		},
	}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Approvals.Wait = 200 * time.Millisecond
	cfg.Retry.BackoffBase = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	return cfg
}

func testRegistry(t *testing.T) *agent.Registry {
	t.Helper()

	registry := agent.NewRegistry()
	for _, capability := range []string{"asset.generate", "level.build"} {
		require.NoError(t, registry.Register(capability,
			func(context.Context, map[string]any) (*agent.Result, error) {
				return &agent.Result{}, nil
			}))
	}
	return registry
}

func TestCreatePlanBindsDefaultBudgetPolicy(t *testing.T) {
	orch := New(testConfig(), chainStrategy{}, testRegistry(t))

	p, err := orch.CreatePlan(context.Background(), "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	assert.Equal(t, plan.StatusPending, p.Status)
	assert.False(t, p.Context.BudgetPolicyID.IsZero())
	assert.Len(t, p.Steps, 2)
	assert.Equal(t, 8.0, p.EstimatedCost)
}

func TestCreatePlanRejectsUnknownCapability(t *testing.T) {
	registry := agent.NewRegistry() // nothing registered
	orch := New(testConfig(), chainStrategy{}, registry)

	_, err := orch.CreatePlan(context.Background(), "build a forest level", plan.Context{Environment: "sandbox"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.VALIDATION_FAILED, "")))
}

func TestExecuteRejectedPlan(t *testing.T) {
	orch := New(testConfig(), chainStrategy{}, testRegistry(t))
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	_, err = orch.Execute(ctx, p.ID, false, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.NOT_APPROVED, "")))
	assert.Equal(t, plan.StatusRejected, p.Status)

	// A rejected plan cannot be approved afterwards.
	_, err = orch.Execute(ctx, p.ID, true, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.CONFLICT, "")))
}

func TestExecuteRunsPlanToCompletion(t *testing.T) {
	orch := New(testConfig(), chainStrategy{}, testRegistry(t))
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, execID))

	snap, err := orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Progress.Completed)
	assert.Equal(t, 8.0, snap.CostSummary.Total)
}

func TestExecuteAppliesModifications(t *testing.T) {
	registry := agent.NewRegistry()
	var seenParams map[string]any
	require.NoError(t, registry.Register("asset.generate",
		func(_ context.Context, params map[string]any) (*agent.Result, error) {
			seenParams = params
			return &agent.Result{}, nil
		}))
	require.NoError(t, registry.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			return &agent.Result{}, nil
		}))

	orch := New(testConfig(), chainStrategy{}, registry)
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	assetStep := p.Steps[0]
	execID, err := orch.Execute(ctx, p.ID, true, map[types.ID]map[string]any{
		assetStep.ID: {"style": "low-poly"},
	})
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, execID))

	assert.Equal(t, "low-poly", seenParams["style"])
}

func TestExecuteRejectsUnknownModificationTarget(t *testing.T) {
	orch := New(testConfig(), chainStrategy{}, testRegistry(t))
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	_, err = orch.Execute(ctx, p.ID, true, map[types.ID]map[string]any{
		types.NewID(): {"style": "low-poly"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.VALIDATION_FAILED, "")))
}

func TestBudgetExceededEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.Total = 6 // first step fits, second does not

	orch := New(cfg, chainStrategy{}, testRegistry(t))
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, execID))

	snap, err := orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFailed, snap.Status)
	assert.True(t, errors.Is(snap.Error, types.NewError(types.BUDGET_EXCEEDED, "")))
	assert.Equal(t, cost.SummaryStatusExceeded, snap.CostSummary.Status)
	assert.Equal(t, 1, snap.Progress.Completed)
}

func TestRaisedBudgetReDrivesFailedPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.Total = 6 // first step fits, second does not

	assetCalls, buildCalls := 0, 0
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register("asset.generate",
		func(context.Context, map[string]any) (*agent.Result, error) {
			assetCalls++
			return &agent.Result{}, nil
		}))
	require.NoError(t, registry.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			buildCalls++
			return &agent.Result{}, nil
		}))

	orch := New(cfg, chainStrategy{}, registry)
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, execID))

	snap, err := orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, executor.StatusFailed, snap.Status)
	require.True(t, errors.Is(snap.Error, types.NewError(types.BUDGET_EXCEEDED, "")))

	// Raise the budget, then execute the same plan again: the blocked step
	// re-opens and the execution is re-driven, not restarted.
	policy, err := orch.policies.Get(p.Context.BudgetPolicyID)
	require.NoError(t, err)
	policy.Limits.Total = 100
	orch.policies.Put(policy)

	redrivenID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	assert.Equal(t, execID, redrivenID)
	require.NoError(t, orch.Wait(ctx, execID))

	snap, err = orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Progress.Completed)
	assert.Equal(t, 8.0, snap.CostSummary.Total)

	// The completed first step was not re-executed.
	assert.Equal(t, 1, assetCalls)
	assert.Equal(t, 1, buildCalls)
}

func TestAgentFailureIsNotReDrivable(t *testing.T) {
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register("asset.generate",
		func(context.Context, map[string]any) (*agent.Result, error) {
			return nil, agent.NewInvokeError("malformed request")
		}))
	require.NoError(t, registry.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			return &agent.Result{}, nil
		}))

	orch := New(testConfig(), chainStrategy{}, registry)
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, execID))

	// An agent failure is not cleared by caller intervention.
	_, err = orch.Execute(ctx, p.ID, true, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.CONFLICT, "")))
}

func TestExecuteRestoresFromStoredSnapshot(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "hypermage.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.NewMigrator(db).Migrate(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register("asset.generate",
		func(context.Context, map[string]any) (*agent.Result, error) {
			close(started)
			<-release
			return &agent.Result{}, nil
		}))
	require.NoError(t, registry.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			return &agent.Result{}, nil
		}))

	orch := New(testConfig(), chainStrategy{}, registry, WithStores(db))
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)

	// Pause mid-run so the stored snapshot has one completed step, then
	// drop the orchestrator as a process restart would.
	<-started
	require.NoError(t, orch.Pause(execID))
	close(release)
	require.NoError(t, orch.Wait(ctx, execID))

	// The second process must not re-run the completed asset step.
	registry2 := agent.NewRegistry()
	require.NoError(t, registry2.Register("asset.generate",
		func(context.Context, map[string]any) (*agent.Result, error) {
			t.Error("completed step was re-executed after restore")
			return &agent.Result{}, nil
		}))
	buildCalls := 0
	require.NoError(t, registry2.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			buildCalls++
			return &agent.Result{}, nil
		}))

	orch2 := New(testConfig(), chainStrategy{}, registry2, WithStores(db))

	resumedID, err := orch2.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	assert.Equal(t, execID, resumedID)
	require.NoError(t, orch2.Wait(ctx, resumedID))

	snap, err := orch2.GetStatus(ctx, resumedID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Progress.Completed)
	assert.Equal(t, 1, buildCalls)
}

func TestGatedApprovalThroughFacade(t *testing.T) {
	cfg := testConfig()
	cfg.Approvals.Wait = 2 * time.Second
	cfg.Approvals.Environments["production"] = config.EnvironmentConfig{
		Mode:            "gated",
		GatedOperations: []string{plan.OpContentCreation},
	}

	orch := New(cfg, chainStrategy{}, testRegistry(t))
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "production"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)

	// The build step blocks on approval; decide once it shows up.
	require.Eventually(t, func() bool {
		return len(orch.PendingApprovals()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	pending := orch.PendingApprovals()
	assert.Equal(t, plan.OpContentCreation, pending[0].OperationType)
	require.NoError(t, orch.ApproveRequest(pending[0].ID, "ops@studio"))

	require.NoError(t, orch.Wait(ctx, execID))

	snap, err := orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, snap.Status)
}

func TestPauseAndResumeThroughFacade(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register("asset.generate",
		func(context.Context, map[string]any) (*agent.Result, error) {
			close(started)
			<-release
			return &agent.Result{}, nil
		}))
	require.NoError(t, registry.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			return &agent.Result{}, nil
		}))

	orch := New(testConfig(), chainStrategy{}, registry)
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)

	// Pause while the first step is in flight.
	<-started
	require.NoError(t, orch.Pause(execID))
	close(release)
	require.NoError(t, orch.Wait(ctx, execID))

	snap, err := orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusPaused, snap.Status)
	assert.Equal(t, 1, snap.Progress.Completed)

	// Executing the same plan again resumes rather than restarting.
	resumedID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)
	assert.Equal(t, execID, resumedID)
	require.NoError(t, orch.Wait(ctx, execID))

	snap, err = orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, snap.Status)
}

func TestGetStatusUnknownExecution(t *testing.T) {
	orch := New(testConfig(), chainStrategy{}, testRegistry(t))

	_, err := orch.GetStatus(context.Background(), types.NewID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.NOT_FOUND, "")))
}

func TestShutdownPausesRunningExecutions(t *testing.T) {
	release := make(chan struct{})
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register("asset.generate",
		func(context.Context, map[string]any) (*agent.Result, error) {
			<-release
			return &agent.Result{}, nil
		}))
	require.NoError(t, registry.Register("level.build",
		func(context.Context, map[string]any) (*agent.Result, error) {
			return &agent.Result{}, nil
		}))

	orch := New(testConfig(), chainStrategy{}, registry)
	ctx := context.Background()

	p, err := orch.CreatePlan(ctx, "build a forest level", plan.Context{Environment: "sandbox"})
	require.NoError(t, err)

	execID, err := orch.Execute(ctx, p.ID, true, nil)
	require.NoError(t, err)

	close(release)
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(shutdownCtx))

	snap, err := orch.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Contains(t, []executor.Status{executor.StatusPaused, executor.StatusCompleted}, snap.Status)
}

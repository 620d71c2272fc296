package executor

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Status is the lifecycle state of a plan execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusBlocked   StepStatus = "blocked"
)

// IsTerminal returns true if the step status is terminal
// (completed, failed, or blocked).
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusBlocked
}

// StepExecution tracks the execution state of a single plan step. It is
// owned exclusively by its Execution and mutated behind the execution's lock.
type StepExecution struct {
	StepID      types.ID        `json:"step_id"`
	Status      StepStatus      `json:"status"`
	RetryCount  int             `json:"retry_count"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       error           `json:"-"`
	ErrorCode   types.ErrorCode `json:"error_code,omitempty"`
	ErrorText   string          `json:"error,omitempty"`
}

// Progress summarizes how far an execution has come.
type Progress struct {
	Completed   int    `json:"completed"`
	Total       int    `json:"total"`
	CurrentStep string `json:"current_step,omitempty"`
}

// Snapshot is an immutable point-in-time copy of an execution, safe to
// return to callers while the control loop keeps running. Repeated
// snapshots with no intervening execution are identical.
type Snapshot struct {
	ID          types.ID                   `json:"id"`
	PlanID      types.ID                   `json:"plan_id"`
	Status      Status                     `json:"status"`
	Progress    Progress                   `json:"progress"`
	Steps       map[types.ID]StepExecution `json:"steps"`
	Artifacts   []string                   `json:"artifacts,omitempty"`
	CostSummary cost.Summary               `json:"cost_summary"`
	Error       error                      `json:"-"`
	ErrorCode   types.ErrorCode            `json:"error_code,omitempty"`
	ErrorText   string                     `json:"error,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// Execution is the mutable state tree of one plan execution. All mutation
// goes through the control loop and the step goroutines it dispatches; a
// single RWMutex guards the tree so concurrently dispatched steps can
// transition safely.
type Execution struct {
	id     types.ID
	planID types.ID
	plan   *plan.ExecutionPlan

	mu          sync.RWMutex
	status      Status
	steps       map[types.ID]*StepExecution
	artifacts   []string
	costSummary cost.Summary
	currentStep string

	// firstErr is the error of the first required step to fail; it is what
	// callers see on GetStatus so they can tell an agent failure from a
	// budget block from a pending approval.
	firstErr error

	startedAt   time.Time
	completedAt *time.Time

	// pauseRequested stops new dispatch at the next control-loop tick.
	pauseRequested bool
}

// NewExecution creates execution state for a plan with every step pending.
func NewExecution(p *plan.ExecutionPlan) *Execution {
	steps := make(map[types.ID]*StepExecution, len(p.Steps))
	for _, step := range p.Steps {
		steps[step.ID] = &StepExecution{
			StepID: step.ID,
			Status: StepStatusPending,
		}
	}

	return &Execution{
		id:        types.NewID(),
		planID:    p.ID,
		plan:      p,
		status:    StatusRunning,
		steps:     steps,
		startedAt: time.Now(),
	}
}

// RestoreExecution rebuilds execution state from a persisted snapshot so a
// restarted process can re-enter the control loop. A step that was running
// when the snapshot was taken has an unknown outcome and is restored as
// never started, so resumption is at-most-once and may re-invoke it. A
// snapshot in running status restores as paused.
func RestoreExecution(p *plan.ExecutionPlan, snap Snapshot) (*Execution, error) {
	if snap.PlanID != p.ID {
		return nil, types.NewError(types.VALIDATION_FAILED,
			"snapshot belongs to plan "+snap.PlanID.String()+", not "+p.ID.String())
	}

	steps := make(map[types.ID]*StepExecution, len(p.Steps))
	for _, step := range p.Steps {
		state, ok := snap.Steps[step.ID]
		if !ok {
			state = StepExecution{StepID: step.ID, Status: StepStatusPending}
		}
		if state.Status == StepStatusRunning {
			state = StepExecution{StepID: step.ID, Status: StepStatusPending, RetryCount: state.RetryCount}
		}
		if state.Error == nil && state.ErrorText != "" {
			state.Error = restoreError(state.ErrorCode, state.ErrorText)
		}
		copied := state
		steps[step.ID] = &copied
	}

	status := snap.Status
	if status == StatusRunning {
		status = StatusPaused
	}

	exec := &Execution{
		id:          snap.ID,
		planID:      p.ID,
		plan:        p,
		status:      status,
		steps:       steps,
		artifacts:   append([]string(nil), snap.Artifacts...),
		costSummary: snap.CostSummary,
		currentStep: snap.Progress.CurrentStep,
		startedAt:   snap.StartedAt,
		completedAt: snap.CompletedAt,
	}
	if snap.ErrorText != "" {
		exec.firstErr = restoreError(snap.ErrorCode, snap.ErrorText)
	}
	return exec, nil
}

// restoreError rebuilds a typed error from its persisted code and text.
func restoreError(code types.ErrorCode, text string) error {
	if code == "" {
		return errors.New(text)
	}
	return types.NewError(code, strings.TrimPrefix(text, "["+string(code)+"] "))
}

// stepErrorCode extracts the taxonomy code of a step failure. Budget blocks
// carry their code through a dedicated error type rather than a CoreError.
func stepErrorCode(err error) types.ErrorCode {
	if code := types.CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, types.NewError(types.BUDGET_EXCEEDED, "")) {
		return types.BUDGET_EXCEEDED
	}
	return ""
}

// ID returns the execution id.
func (e *Execution) ID() types.ID { return e.id }

// PlanID returns the id of the plan being executed.
func (e *Execution) PlanID() types.ID { return e.planID }

// Status returns the current execution status.
func (e *Execution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Pause requests that no new steps are dispatched. Steps already dispatched
// run to completion; the control loop observes the request at its next tick.
func (e *Execution) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.IsTerminal() {
		e.pauseRequested = true
	}
}

// pausePending reports whether a pause was requested. The control loop
// reads it at tick boundaries.
func (e *Execution) pausePending() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pauseRequested
}

// markPaused transitions the execution to paused.
func (e *Execution) markPaused() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.IsTerminal() {
		e.status = StatusPaused
	}
}

// resume clears a pause and puts the execution back into running.
// Completed steps are never re-executed; the control loop re-enters from
// the current state.
func (e *Execution) resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.IsTerminal() {
		e.pauseRequested = false
		e.status = StatusRunning
	}
}

// ReadySteps returns the plan steps that are pending with every dependency
// completed.
func (e *Execution) ReadySteps() []*plan.Step {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ready []*plan.Step
	for i := range e.plan.Steps {
		step := &e.plan.Steps[i]
		state := e.steps[step.ID]
		if state.Status != StepStatusPending {
			continue
		}
		if e.dependenciesCompleted(step) {
			ready = append(ready, step)
		}
	}
	return ready
}

// dependenciesCompleted must be called with the lock held.
func (e *Execution) dependenciesCompleted(step *plan.Step) bool {
	for _, depID := range step.DependsOn {
		if e.steps[depID].Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

// BlockDependents marks every pending step that depends on a failed or
// blocked step as blocked, transitively, and returns the steps it blocked.
func (e *Execution) BlockDependents() []*plan.Step {
	e.mu.Lock()
	defer e.mu.Unlock()

	var blocked []*plan.Step
	for {
		changed := false
		for i := range e.plan.Steps {
			step := &e.plan.Steps[i]
			state := e.steps[step.ID]
			if state.Status != StepStatusPending {
				continue
			}
			for _, depID := range step.DependsOn {
				depStatus := e.steps[depID].Status
				if depStatus == StepStatusFailed || depStatus == StepStatusBlocked {
					now := time.Now()
					state.Status = StepStatusBlocked
					state.CompletedAt = &now
					state.Error = types.NewError(types.DEPENDENCY_BLOCKED,
						"dependency "+depID.String()+" did not complete")
					state.ErrorCode = types.DEPENDENCY_BLOCKED
					state.ErrorText = state.Error.Error()
					blocked = append(blocked, step)
					changed = true
					break
				}
			}
		}
		if !changed {
			return blocked
		}
	}
}

// MarkStepRunning transitions a step to running and records it as the
// execution's current step.
func (e *Execution) MarkStepRunning(stepID types.ID, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.steps[stepID]
	state.Status = StepStatusRunning
	if state.StartedAt == nil {
		now := time.Now()
		state.StartedAt = &now
	}
	e.currentStep = name
}

// IncrementRetry bumps a step's retry counter and returns the new value.
func (e *Execution) IncrementRetry(stepID types.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.steps[stepID]
	state.RetryCount++
	return state.RetryCount
}

// MarkStepCompleted transitions a step to completed with its result and
// appends any produced artifacts.
func (e *Execution) MarkStepCompleted(stepID types.ID, result map[string]any, artifacts []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.steps[stepID]
	now := time.Now()
	state.Status = StepStatusCompleted
	state.CompletedAt = &now
	state.Result = result
	e.artifacts = append(e.artifacts, artifacts...)
}

// MarkStepFailed transitions a step to failed. The first required step to
// fail pins the execution-level error.
func (e *Execution) MarkStepFailed(stepID types.ID, stepErr error, optional bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.steps[stepID]
	now := time.Now()
	state.Status = StepStatusFailed
	state.CompletedAt = &now
	state.Error = stepErr
	if stepErr != nil {
		state.ErrorCode = stepErrorCode(stepErr)
		state.ErrorText = stepErr.Error()
	}

	if !optional && e.firstErr == nil {
		e.firstErr = stepErr
	}
}

// ResetInterventionFailures re-opens steps that failed for reasons caller
// intervention can clear: a budget block, an approval timeout, or an
// approval rejection. Those steps and every blocked step go back to
// pending, the pinned error and cost summary are dropped, and the
// execution lands in paused so the control loop can re-enter it. Steps
// blocked on failures that cannot be cleared are re-blocked on the next
// tick. Returns the number of failed steps re-opened.
func (e *Execution) ResetInterventionFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	reopened := 0
	for _, state := range e.steps {
		if state.Status == StepStatusFailed && interventionCode(state.ErrorCode) {
			reopened++
		}
	}
	if reopened == 0 {
		return 0
	}

	for _, state := range e.steps {
		failed := state.Status == StepStatusFailed && interventionCode(state.ErrorCode)
		if !failed && state.Status != StepStatusBlocked {
			continue
		}
		*state = StepExecution{StepID: state.StepID, Status: StepStatusPending}
	}

	e.status = StatusPaused
	e.firstErr = nil
	e.completedAt = nil
	e.costSummary = cost.Summary{}
	e.pauseRequested = false
	return reopened
}

// interventionCode reports whether a step failure with this code is cleared
// by caller intervention rather than by fixing the plan or the agent.
func interventionCode(code types.ErrorCode) bool {
	switch code {
	case types.BUDGET_EXCEEDED, types.APPROVAL_TIMEOUT, types.APPROVAL_REJECTED:
		return true
	}
	return false
}

// SetCostSummary records the running cost summary shown to callers.
func (e *Execution) SetCostSummary(summary cost.Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.costSummary = summary
}

// CostSummary returns the last stored cost summary.
func (e *Execution) CostSummary() cost.Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.costSummary
}

// IsComplete reports whether every step reached a terminal status.
func (e *Execution) IsComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, state := range e.steps {
		if !state.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Finalize computes the terminal execution status: failed when any
// required step ended non-completed, completed otherwise.
func (e *Execution) Finalize() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := StatusCompleted
	for _, step := range e.plan.Steps {
		state := e.steps[step.ID]
		if !step.Optional && state.Status != StepStatusCompleted {
			status = StatusFailed
			if e.firstErr == nil {
				e.firstErr = state.Error
			}
			break
		}
	}

	e.status = status
	now := time.Now()
	e.completedAt = &now
	return status
}

// StepState returns a copy of one step's execution state.
func (e *Execution) StepState(stepID types.ID) (StepExecution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.steps[stepID]
	if !ok {
		return StepExecution{}, false
	}
	return *state, true
}

// Snapshot returns a deep copy of the execution state. Calling Snapshot
// repeatedly with no intervening execution yields identical values.
func (e *Execution) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	steps := make(map[types.ID]StepExecution, len(e.steps))
	completed := 0
	for id, state := range e.steps {
		copied := *state
		if copied.Result != nil {
			result := make(map[string]any, len(copied.Result))
			for k, v := range copied.Result {
				result[k] = v
			}
			copied.Result = result
		}
		steps[id] = copied
		if state.Status == StepStatusCompleted {
			completed++
		}
	}

	snap := Snapshot{
		ID:     e.id,
		PlanID: e.planID,
		Status: e.status,
		Progress: Progress{
			Completed:   completed,
			Total:       len(e.plan.Steps),
			CurrentStep: e.currentStep,
		},
		Steps:       steps,
		Artifacts:   append([]string(nil), e.artifacts...),
		CostSummary: e.costSummary,
		Error:       e.firstErr,
		StartedAt:   e.startedAt,
		CompletedAt: e.completedAt,
	}
	if e.firstErr != nil {
		snap.ErrorCode = stepErrorCode(e.firstErr)
		snap.ErrorText = e.firstErr.Error()
	}
	return snap
}

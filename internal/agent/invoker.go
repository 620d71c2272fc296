package agent

import (
	"context"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Result is the successful outcome of invoking an agent capability.
type Result struct {
	// Output holds the capability's result values.
	Output map[string]any `json:"output,omitempty"`

	// Artifacts references anything the capability produced (level files,
	// generated assets, deployed resource ids).
	Artifacts []string `json:"artifacts,omitempty"`

	// ActualCost is the cost actually incurred by the invocation. Zero
	// means the caller should fall back to the step's estimate.
	ActualCost float64 `json:"actual_cost,omitempty"`
}

// Invoker executes one step's capability and returns a result or a typed
// failure. Implementations are external workers (level builders, asset
// generators, provisioners, test runners); the executor only depends on
// this contract and on the Retryable bit of returned errors.
type Invoker interface {
	Invoke(ctx context.Context, capability string, parameters map[string]any) (*Result, error)
}

// NewInvokeError builds a non-retryable agent failure. Non-retryable errors
// terminate the step immediately.
func NewInvokeError(message string) *types.CoreError {
	return types.NewError(types.AGENT_FAILED, message)
}

// NewTransientError builds a retryable agent failure, eligible for the
// executor's backoff retry loop.
func NewTransientError(message string) *types.CoreError {
	return types.NewRetryableError(types.AGENT_FAILED, message)
}

package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

func TestRegisterAndInvoke(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("level.build", func(ctx context.Context, params map[string]any) (*Result, error) {
		return &Result{
			Output:    map[string]any{"level": params["name"]},
			Artifacts: []string{"levels/arena.hml"},
		}, nil
	}))

	result, err := registry.Invoke(context.Background(), "level.build", map[string]any{"name": "arena"})
	require.NoError(t, err)
	assert.Equal(t, "arena", result.Output["level"])
	assert.Equal(t, []string{"levels/arena.hml"}, result.Artifacts)
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	registry := NewRegistry()
	handler := func(ctx context.Context, params map[string]any) (*Result, error) { return &Result{}, nil }

	require.NoError(t, registry.Register("asset.generate", handler))
	err := registry.Register("asset.generate", handler)
	assert.True(t, errors.Is(err, types.NewError(types.CONFLICT, "")))
}

func TestInvokeUnknownCapability(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Invoke(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, types.NewError(types.VALIDATION_FAILED, "")))
}

func TestCapabilitiesSorted(t *testing.T) {
	registry := NewRegistry()
	handler := func(ctx context.Context, params map[string]any) (*Result, error) { return &Result{}, nil }
	require.NoError(t, registry.Register("deploy.world", handler))
	require.NoError(t, registry.Register("asset.generate", handler))

	assert.Equal(t, []string{"asset.generate", "deploy.world"}, registry.Capabilities())
	assert.True(t, registry.Has("deploy.world"))
	assert.False(t, registry.Has("test.run"))
}

func TestRateLimitedInvoke(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("provision.gpu", func(ctx context.Context, params map[string]any) (*Result, error) {
		return &Result{}, nil
	}))
	registry.SetRateLimit("provision.gpu", rate.Every(20*time.Millisecond), 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := registry.Invoke(context.Background(), "provision.gpu", nil)
		require.NoError(t, err)
	}
	// Two of the three calls had to wait for the limiter.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTransientErrorIsRetryable(t *testing.T) {
	assert.True(t, types.IsRetryable(NewTransientError("asset service flapping")))
	assert.False(t, types.IsRetryable(NewInvokeError("bad parameters")))
}

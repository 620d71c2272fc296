package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Handler performs the effect of one capability.
type Handler func(ctx context.Context, parameters map[string]any) (*Result, error)

// Registry maps capability names to handlers. Capabilities are registered
// at startup and validated at plan-generation time, so an unknown
// capability fails fast instead of at dispatch. Registry implements Invoker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger configures the logger for the registry.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty capability registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a capability name to a handler. Registering the same
// capability twice is a conflict.
func (r *Registry) Register(capability string, handler Handler) error {
	if capability == "" {
		return types.NewError(types.VALIDATION_FAILED, "capability name cannot be empty")
	}
	if handler == nil {
		return types.NewError(types.VALIDATION_FAILED, "handler cannot be nil for capability "+capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[capability]; exists {
		return types.NewError(types.CONFLICT, "capability already registered: "+capability)
	}
	r.handlers[capability] = handler
	return nil
}

// SetRateLimit applies a rate limit to invocations of a capability.
// Useful when a worker fronts a throttled upstream service.
func (r *Registry) SetRateLimit(capability string, limit rate.Limit, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[capability] = rate.NewLimiter(limit, burst)
}

// Has reports whether a capability is registered.
func (r *Registry) Has(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[capability]
	return ok
}

// Capabilities returns the sorted names of all registered capabilities.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for capability := range r.handlers {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}

// Invoke dispatches to the registered handler for the capability, waiting
// on the capability's rate limiter first when one is configured.
func (r *Registry) Invoke(ctx context.Context, capability string, parameters map[string]any) (*Result, error) {
	r.mu.RLock()
	handler, ok := r.handlers[capability]
	limiter := r.limiters[capability]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewError(types.VALIDATION_FAILED, "unknown capability: "+capability)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, types.WrapError(types.AGENT_FAILED,
				fmt.Sprintf("rate limit wait aborted for capability %s", capability), err)
		}
	}

	r.logger.Debug("invoking agent capability", "capability", capability)
	return handler(ctx, parameters)
}

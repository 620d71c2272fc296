package plan

import (
	"context"
	"log/slog"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// StepTemplate is a strategy's description of one candidate step. Template
// ids are local to the strategy output; the generator maps them to stable
// step ids and rewires the declared dependencies.
type StepTemplate struct {
	TemplateID        string         `json:"template_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	OperationType     string         `json:"operation_type"`
	Capability        string         `json:"capability"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	EstimatedCost     float64        `json:"estimated_cost"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	Optional          bool           `json:"optional,omitempty"`
}

// Strategy classifies a free-form specification's intent and emits step
// templates. Strategies own all content decisions; the generator owns
// id assignment, dependency wiring and validation.
type Strategy interface {
	Classify(ctx context.Context, specification string, planCtx Context) ([]StepTemplate, error)
}

// CapabilityResolver reports whether an agent capability is registered.
// It lets the generator reject unknown capabilities at generation time
// instead of at dispatch.
type CapabilityResolver interface {
	Has(capability string) bool
}

// Generator turns an external specification plus context into a candidate
// plan. It has no side effects: it neither persists nor executes anything.
type Generator struct {
	strategy Strategy
	resolver CapabilityResolver
	logger   *slog.Logger
}

// GeneratorOption is a functional option for configuring a Generator.
type GeneratorOption func(*Generator)

// WithCapabilityResolver configures capability validation at generation time.
func WithCapabilityResolver(resolver CapabilityResolver) GeneratorOption {
	return func(g *Generator) {
		g.resolver = resolver
	}
}

// WithGeneratorLogger configures the logger for the generator.
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		g.logger = l
	}
}

// NewGenerator creates a generator delegating content decisions to strategy.
func NewGenerator(strategy Strategy, opts ...GeneratorOption) *Generator {
	g := &Generator{
		strategy: strategy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces a pending plan from the specification. It assigns
// stable step ids, rewires template-local dependencies, validates the
// dependency graph (dangling references fail with VALIDATION_FAILED,
// cycles with DEPENDENCY_CYCLE) and sums per-step estimates into the plan
// totals.
func (g *Generator) Generate(ctx context.Context, specification string, planCtx Context) (*ExecutionPlan, error) {
	if specification == "" {
		return nil, types.NewError(types.VALIDATION_FAILED, "specification cannot be empty")
	}

	templates, err := g.strategy.Classify(ctx, specification, planCtx)
	if err != nil {
		return nil, types.WrapError(types.VALIDATION_FAILED, "planning strategy failed", err)
	}
	if len(templates) == 0 {
		return nil, types.NewError(types.VALIDATION_FAILED, "planning strategy produced no steps")
	}

	// First pass: assign stable ids per template.
	stepIDs := make(map[string]types.ID, len(templates))
	for _, tmpl := range templates {
		if tmpl.TemplateID == "" {
			return nil, types.NewError(types.VALIDATION_FAILED,
				"step template missing template id: "+tmpl.Name)
		}
		if _, dup := stepIDs[tmpl.TemplateID]; dup {
			return nil, types.NewError(types.VALIDATION_FAILED,
				"duplicate step template id: "+tmpl.TemplateID)
		}
		stepIDs[tmpl.TemplateID] = types.NewID()
	}

	// Second pass: build steps, rewiring dependencies to step ids.
	p := &ExecutionPlan{
		ID:            types.NewID(),
		Specification: specification,
		Context:       planCtx,
		Status:        StatusPending,
		Steps:         make([]Step, 0, len(templates)),
		CreatedAt:     time.Now(),
	}

	for _, tmpl := range templates {
		if g.resolver != nil && !g.resolver.Has(tmpl.Capability) {
			return nil, types.NewError(types.VALIDATION_FAILED,
				"step template references unknown capability: "+tmpl.Capability)
		}

		step := Step{
			ID:                stepIDs[tmpl.TemplateID],
			Name:              tmpl.Name,
			Description:       tmpl.Description,
			OperationType:     tmpl.OperationType,
			AgentCapability:   tmpl.Capability,
			Parameters:        tmpl.Parameters,
			EstimatedCost:     tmpl.EstimatedCost,
			EstimatedDuration: tmpl.EstimatedDuration,
			Optional:          tmpl.Optional,
		}
		for _, depTemplateID := range tmpl.DependsOn {
			depID, ok := stepIDs[depTemplateID]
			if !ok {
				return nil, types.NewError(types.VALIDATION_FAILED,
					"step template "+tmpl.TemplateID+" depends on unknown template "+depTemplateID)
			}
			step.DependsOn = append(step.DependsOn, depID)
		}

		p.Steps = append(p.Steps, step)
		p.EstimatedCost += tmpl.EstimatedCost
		p.EstimatedDuration += tmpl.EstimatedDuration
	}

	if err := Validate(p); err != nil {
		return nil, err
	}

	g.logger.Info("generated execution plan",
		"plan_id", p.ID,
		"steps", len(p.Steps),
		"estimated_cost", p.EstimatedCost,
		"environment", planCtx.Environment,
	)

	return p, nil
}

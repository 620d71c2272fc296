package plan

import (
	"fmt"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// Validate checks the structural invariants of a plan: step ids are unique,
// every dependency references a step in the same plan, and the dependency
// graph is acyclic. Returns VALIDATION_FAILED or DEPENDENCY_CYCLE.
func Validate(p *ExecutionPlan) error {
	if len(p.Steps) == 0 {
		return types.NewError(types.VALIDATION_FAILED, "plan must have at least one step")
	}

	steps := make(map[types.ID]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID.IsZero() {
			return types.NewError(types.VALIDATION_FAILED,
				fmt.Sprintf("step %q has no id", step.Name))
		}
		if _, dup := steps[step.ID]; dup {
			return types.NewError(types.VALIDATION_FAILED,
				"duplicate step id: "+step.ID.String())
		}
		if step.AgentCapability == "" {
			return types.NewError(types.VALIDATION_FAILED,
				fmt.Sprintf("step %q has no agent capability", step.Name))
		}
		steps[step.ID] = step
	}

	for _, step := range p.Steps {
		for _, depID := range step.DependsOn {
			if _, ok := steps[depID]; !ok {
				return types.NewError(types.VALIDATION_FAILED,
					fmt.Sprintf("step %q depends on non-existent step %s", step.Name, depID))
			}
		}
	}

	return detectCycle(p.Steps)
}

// detectCycle runs a depth-first search over the dependency graph with
// three colors: white (unvisited), gray (visiting), black (visited).
// A back edge to a gray step means a cycle.
func detectCycle(steps []Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	adjacent := make(map[types.ID][]types.ID, len(steps))
	color := make(map[types.ID]int, len(steps))
	for _, step := range steps {
		adjacent[step.ID] = step.DependsOn
		color[step.ID] = white
	}

	var dfs func(id types.ID, path []types.ID) error
	dfs = func(id types.ID, path []types.ID) error {
		color[id] = gray
		path = append(path, id)

		for _, next := range adjacent[id] {
			if color[next] == gray {
				cyclePath := append(path, next)
				return types.NewError(types.DEPENDENCY_CYCLE,
					fmt.Sprintf("dependency cycle detected: %v", cyclePath))
			}
			if color[next] == white {
				if err := dfs(next, path); err != nil {
					return err
				}
			}
		}

		color[id] = black
		return nil
	}

	for _, step := range steps {
		if color[step.ID] == white {
			if err := dfs(step.ID, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

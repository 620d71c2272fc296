package plan

import (
	"context"
	"strings"
	"time"
)

// Operation categories used across approval gating and cost accounting.
const (
	OpContentCreation = "content_creation"
	OpAssetGeneration = "asset_generation"
	OpDeployment      = "deployment"
	OpTesting         = "testing"
	OpInfrastructure  = "infrastructure"
)

// KeywordStrategy is a deterministic planning strategy that classifies the
// specification's intent from keywords and emits the matching step template
// chains. It is the default strategy; LLM-backed planning is available via
// LLMStrategy.
type KeywordStrategy struct{}

// NewKeywordStrategy creates the default rule-based strategy.
func NewKeywordStrategy() *KeywordStrategy {
	return &KeywordStrategy{}
}

// Classify maps the specification to step templates. Recognized intents:
//
//   - asset work ("asset", "texture", "model", "sound") emits an
//     asset-generation step
//   - level work ("level", "arena", "world", "map") emits a level-build
//     step depending on any asset step
//   - provisioning ("provision", "gpu", "server", "cloud") emits an
//     infrastructure step
//   - deployment ("deploy", "publish", "release") emits a smoke-test step
//     (optional) and a deployment step gated on everything before it
//
// Specifications matching none of the intents fall back to a single
// content-creation step so every request yields a reviewable plan.
func (s *KeywordStrategy) Classify(_ context.Context, specification string, _ Context) ([]StepTemplate, error) {
	lower := strings.ToLower(specification)
	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	var templates []StepTemplate
	var buildDeps []string

	if contains("asset", "texture", "model", "sound") {
		templates = append(templates, StepTemplate{
			TemplateID:        "assets",
			Name:              "Generate assets",
			Description:       "Generate the assets the specification calls for",
			OperationType:     OpAssetGeneration,
			Capability:        "asset.generate",
			Parameters:        map[string]any{"specification": specification},
			EstimatedCost:     8,
			EstimatedDuration: 10 * time.Minute,
		})
		buildDeps = append(buildDeps, "assets")
	}

	if contains("level", "arena", "world", "map") {
		templates = append(templates, StepTemplate{
			TemplateID:        "build",
			Name:              "Build level",
			Description:       "Assemble the level from the specification",
			OperationType:     OpContentCreation,
			Capability:        "level.build",
			Parameters:        map[string]any{"specification": specification},
			DependsOn:         buildDeps,
			EstimatedCost:     12,
			EstimatedDuration: 20 * time.Minute,
		})
	}

	if contains("provision", "gpu", "server", "cloud") {
		templates = append(templates, StepTemplate{
			TemplateID:        "provision",
			Name:              "Provision infrastructure",
			Description:       "Provision the cloud resources the work needs",
			OperationType:     OpInfrastructure,
			Capability:        "cloud.provision",
			Parameters:        map[string]any{"specification": specification},
			EstimatedCost:     25,
			EstimatedDuration: 15 * time.Minute,
		})
	}

	if contains("deploy", "publish", "release") {
		// Deployment waits on every step emitted so far.
		var deps []string
		for _, tmpl := range templates {
			deps = append(deps, tmpl.TemplateID)
		}

		templates = append(templates, StepTemplate{
			TemplateID:        "smoke",
			Name:              "Run smoke tests",
			Description:       "Validate the content before it ships",
			OperationType:     OpTesting,
			Capability:        "test.run",
			DependsOn:         deps,
			EstimatedCost:     3,
			EstimatedDuration: 5 * time.Minute,
			Optional:          true,
		})
		templates = append(templates, StepTemplate{
			TemplateID:        "deploy",
			Name:              "Deploy to environment",
			Description:       "Publish the content to the target environment",
			OperationType:     OpDeployment,
			Capability:        "world.deploy",
			DependsOn:         append(deps, "smoke"),
			EstimatedCost:     5,
			EstimatedDuration: 10 * time.Minute,
		})
	}

	if len(templates) == 0 {
		templates = append(templates, StepTemplate{
			TemplateID:        "content",
			Name:              "Create content",
			Description:       "Produce the requested content",
			OperationType:     OpContentCreation,
			Capability:        "level.build",
			Parameters:        map[string]any{"specification": specification},
			EstimatedCost:     10,
			EstimatedDuration: 15 * time.Minute,
		})
	}

	return templates, nil
}

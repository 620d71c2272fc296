package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// LLMStrategy is a planning strategy that asks a language model to classify
// the specification and emit step templates as JSON. Malformed responses
// are re-prompted up to maxRetries times before the strategy gives up.
type LLMStrategy struct {
	model        llms.Model
	capabilities []string
	maxRetries   int
	logger       *slog.Logger
}

// LLMStrategyOption is a functional option for configuring an LLMStrategy.
type LLMStrategyOption func(*LLMStrategy)

// WithCapabilities lists the agent capabilities the model may plan with.
func WithCapabilities(capabilities []string) LLMStrategyOption {
	return func(s *LLMStrategy) {
		s.capabilities = capabilities
	}
}

// WithLLMMaxRetries sets how many times a malformed response is re-prompted.
func WithLLMMaxRetries(n int) LLMStrategyOption {
	return func(s *LLMStrategy) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithLLMLogger configures the logger for the strategy.
func WithLLMLogger(l *slog.Logger) LLMStrategyOption {
	return func(s *LLMStrategy) {
		s.logger = l
	}
}

// NewLLMStrategy creates an LLM-backed planning strategy.
func NewLLMStrategy(model llms.Model, opts ...LLMStrategyOption) *LLMStrategy {
	s := &LLMStrategy{
		model:      model,
		maxRetries: 2,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// llmStepTemplate is the JSON shape the model is asked to produce.
// Durations are minutes so the model never has to emit Go duration syntax.
type llmStepTemplate struct {
	TemplateID       string         `json:"template_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	OperationType    string         `json:"operation_type"`
	Capability       string         `json:"capability"`
	Parameters       map[string]any `json:"parameters"`
	DependsOn        []string       `json:"depends_on"`
	EstimatedCost    float64        `json:"estimated_cost"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	Optional         bool           `json:"optional"`
}

// Classify prompts the model for step templates matching the specification.
func (s *LLMStrategy) Classify(ctx context.Context, specification string, planCtx Context) ([]StepTemplate, error) {
	systemPrompt := s.buildSystemPrompt()
	userPrompt := s.buildUserPrompt(specification, planCtx)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		messages := []llms.MessageContent{
			{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(systemPrompt)}},
			{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(userPrompt)}},
		}
		if lastErr != nil {
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeHuman,
				Parts: []llms.ContentPart{llms.TextPart(
					fmt.Sprintf("Your previous response could not be parsed (%v). Respond with only the JSON array.", lastErr),
				)},
			})
		}

		resp, err := s.model.GenerateContent(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("plan generation model call failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, types.NewError(types.VALIDATION_FAILED, "model returned no choices")
		}

		templates, err := parseTemplates(resp.Choices[0].Content)
		if err == nil {
			return templates, nil
		}

		lastErr = err
		s.logger.Warn("failed to parse planning response, re-prompting",
			"attempt", attempt+1,
			"max_retries", s.maxRetries,
			"error", err,
		)
	}

	return nil, types.WrapError(types.VALIDATION_FAILED,
		fmt.Sprintf("model produced unparseable plans after %d attempts", s.maxRetries+1), lastErr)
}

func (s *LLMStrategy) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a planning assistant for a VR content production pipeline.\n")
	b.WriteString("Decompose the given work specification into execution steps.\n")
	b.WriteString("Respond with ONLY a JSON array of step objects with fields: ")
	b.WriteString("template_id, name, description, operation_type, capability, parameters, ")
	b.WriteString("depends_on (array of template_id), estimated_cost, estimated_minutes, optional.\n")
	b.WriteString("Valid operation_type values: content_creation, asset_generation, deployment, testing, infrastructure.\n")
	if len(s.capabilities) > 0 {
		b.WriteString("Only use these capabilities: ")
		b.WriteString(strings.Join(s.capabilities, ", "))
		b.WriteString(".\n")
	}
	return b.String()
}

func (s *LLMStrategy) buildUserPrompt(specification string, planCtx Context) string {
	return fmt.Sprintf("Target environment: %s\n\nSpecification:\n%s", planCtx.Environment, specification)
}

// parseTemplates extracts the JSON array from the model response, tolerating
// surrounding prose or a fenced code block.
func parseTemplates(content string) ([]StepTemplate, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var raw []llmStepTemplate
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("invalid step template JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty step template array")
	}

	templates := make([]StepTemplate, 0, len(raw))
	for _, t := range raw {
		templates = append(templates, StepTemplate{
			TemplateID:        t.TemplateID,
			Name:              t.Name,
			Description:       t.Description,
			OperationType:     t.OperationType,
			Capability:        t.Capability,
			Parameters:        t.Parameters,
			DependsOn:         t.DependsOn,
			EstimatedCost:     t.EstimatedCost,
			EstimatedDuration: time.Duration(t.EstimatedMinutes) * time.Minute,
			Optional:          t.Optional,
		})
	}
	return templates, nil
}

package config

import (
	"time"
)

// Config is the root configuration for the orchestration service.
type Config struct {
	Core      CoreConfig      `mapstructure:"core" yaml:"core" validate:"required"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" validate:"required"`
	Budget    BudgetConfig    `mapstructure:"budget" yaml:"budget"`
	Approvals ApprovalsConfig `mapstructure:"approvals" yaml:"approvals"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Planner   PlannerConfig   `mapstructure:"planner" yaml:"planner"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// CoreConfig contains core application settings.
type CoreConfig struct {
	HomeDir       string        `mapstructure:"home_dir" yaml:"home_dir"`
	DataDir       string        `mapstructure:"data_dir" yaml:"data_dir"`
	ParallelLimit int           `mapstructure:"parallel_limit" yaml:"parallel_limit" validate:"min=1,max=100"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
	Debug         bool          `mapstructure:"debug" yaml:"debug"`
}

// StoreConfig contains database configuration.
type StoreConfig struct {
	Path           string        `mapstructure:"path" yaml:"path"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" validate:"min=1,max=100"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"min=1s"`
	WALMode        bool          `mapstructure:"wal_mode" yaml:"wal_mode"`
}

// BudgetConfig describes the default budget policy applied to plans whose
// context does not name one.
type BudgetConfig struct {
	Total            float64            `mapstructure:"total" yaml:"total" validate:"min=0"`
	Currency         string             `mapstructure:"currency" yaml:"currency"`
	Window           time.Duration      `mapstructure:"window" yaml:"window"`
	Mode             string             `mapstructure:"mode" yaml:"mode" validate:"oneof=report warn block"`
	WarningThreshold float64            `mapstructure:"warning_threshold" yaml:"warning_threshold" validate:"min=0,max=1"`
	CategoryLimits   map[string]float64 `mapstructure:"category_limits" yaml:"category_limits,omitempty"`
	ApprovalRequired bool               `mapstructure:"approval_required" yaml:"approval_required"`
}

// ApprovalsConfig describes approval gating per environment.
type ApprovalsConfig struct {
	// Wait bounds how long a gated step waits for a decision before it
	// fails with a timeout.
	Wait time.Duration `mapstructure:"wait" yaml:"wait" validate:"min=1s"`

	// Environments maps environment names to their gating policy.
	Environments map[string]EnvironmentConfig `mapstructure:"environments" yaml:"environments,omitempty"`
}

// EnvironmentConfig is the gating policy for one environment.
type EnvironmentConfig struct {
	Mode            string   `mapstructure:"mode" yaml:"mode" validate:"oneof=autonomous gated"`
	GatedOperations []string `mapstructure:"gated_operations" yaml:"gated_operations,omitempty"`
}

// RetryConfig describes the step retry policy.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0,max=10"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" validate:"min=1ms"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier" validate:"min=1"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// PlannerConfig selects and tunes the plan generation strategy.
type PlannerConfig struct {
	// Strategy is "keyword" or "llm".
	Strategy string `mapstructure:"strategy" yaml:"strategy" validate:"oneof=keyword llm"`

	// Model names the LLM used when strategy is "llm".
	Model string `mapstructure:"model" yaml:"model"`

	// MaxRetries bounds LLM re-prompts on unparseable output.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0,max=5"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := DefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir:       homeDir,
			DataDir:       filepath.Join(homeDir, "data"),
			ParallelLimit: 8,
			Timeout:       5 * time.Minute,
			Debug:         false,
		},
		Store: StoreConfig{
			Path:           filepath.Join(homeDir, "hypermage.db"),
			MaxConnections: 10,
			BusyTimeout:    30 * time.Second,
			WALMode:        true,
		},
		Budget: BudgetConfig{
			Total:            100,
			Currency:         "USD",
			Window:           24 * time.Hour,
			Mode:             "block",
			WarningThreshold: 0.8,
		},
		Approvals: ApprovalsConfig{
			Wait: 30 * time.Minute,
			Environments: map[string]EnvironmentConfig{
				"sandbox": {Mode: "autonomous"},
				"production": {
					Mode:            "gated",
					GatedOperations: []string{plan.OpDeployment, plan.OpInfrastructure},
				},
			},
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BackoffBase: 500 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
		},
		Planner: PlannerConfig{
			Strategy:   "keyword",
			MaxRetries: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "",
		},
	}
}

// DefaultHomeDir returns the default home directory, ~/.hypermage, falling
// back to a temporary directory if the user home cannot be determined.
func DefaultHomeDir() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".hypermage")
	}
	return filepath.Join(userHome, ".hypermage")
}

// DefaultConfigPath returns the default config file path for a given home
// directory.
func DefaultConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

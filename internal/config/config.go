// Package config loads codeforge configuration from .forge/config.yaml
// with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codeforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cron      CronConfig      `yaml:"cron"`
	Registry  RegistryConfig  `yaml:"registry"`
	Harness   HarnessConfig   `yaml:"harness"`
	Repair    RepairConfig    `yaml:"repair"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the LLM client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai | genai
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Role/tier model routing. Keys are "<tier>" names.
	Models map[string]string `yaml:"models"`

	MaxRetries int `yaml:"max_retries"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama | genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// StoreConfig configures the artifact store.
type StoreConfig struct {
	DatabasePath string  `yaml:"database_path"`
	MinScore     float64 `yaml:"min_score"`     // similarity floor for FindSimilar
	ReuseScore   float64 `yaml:"reuse_score"`   // sentinel reuse threshold
	FixThreshold float64 `yaml:"fix_threshold"` // fix-pattern fast-path success rate
}

// SchedulerConfig configures the priority scheduler.
type SchedulerConfig struct {
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	BackgroundGap  string `yaml:"background_gap"`  // min gap between BACKGROUND tasks
	DispatchPeriod string `yaml:"dispatch_period"` // background dispatcher tick
}

// CronConfig configures the scheduled task manager.
type CronConfig struct {
	TasksPath     string `yaml:"tasks_path"`
	WindowMinutes int    `yaml:"window_minutes"`
	MaxErrors     int    `yaml:"max_errors"` // consecutive errors before auto-disable
}

// RegistryConfig configures the node registry and runner.
type RegistryConfig struct {
	Root        string  `yaml:"root"`         // directory holding registry/ and nodes/
	RunTimeout  string  `yaml:"run_timeout"`  // hard subprocess timeout
	Interpreter string  `yaml:"interpreter"`  // node interpreter binary (default python3)
	FreezeScore float64 `yaml:"freeze_score"` // composite score above which nodes freeze
}

// HarnessConfig configures test generation and execution.
type HarnessConfig struct {
	TestDriven        bool    `yaml:"test_driven"`
	CoverageThreshold float64 `yaml:"coverage_threshold"`
	GenBudget         string  `yaml:"gen_budget"` // evolutionary generator time budget
}

// RepairConfig configures the repair engine.
type RepairConfig struct {
	MaxAttempts int  `yaml:"max_attempts"`
	GodStage    bool `yaml:"god_stage"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codeforge",
		Version: "0.1.0",
		LLM: LLMConfig{
			Provider:   "openai",
			BaseURL:    "http://localhost:8080/v1",
			Timeout:    "120s",
			MaxRetries: 3,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     768,
		},
		Store: StoreConfig{
			DatabasePath: ".forge/store.db",
			MinScore:     0.55,
			ReuseScore:   0.90,
			FixThreshold: 0.6,
		},
		Scheduler: SchedulerConfig{
			Workers:        2,
			QueueSize:      1000,
			BackgroundGap:  "100ms",
			DispatchPeriod: "30s",
		},
		Cron: CronConfig{
			TasksPath:     "data/scheduled_tasks/tasks.json",
			WindowMinutes: 1,
			MaxErrors:     5,
		},
		Registry: RegistryConfig{
			Root:        ".",
			RunTimeout:  "30s",
			Interpreter: "python3",
			FreezeScore: 0.8,
		},
		Harness: HarnessConfig{
			TestDriven:        true,
			CoverageThreshold: 70,
			GenBudget:         "30s",
		},
		Repair: RepairConfig{
			MaxAttempts: 6,
			GodStage:    true,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from <workspace>/.forge/config.yaml, falling back to
// defaults when the file is absent. Environment variables override secrets.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".forge", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment rather than disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("FORGE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("FORGE_GENAI_API_KEY"); v != "" {
		cfg.Embedding.GenAIAPIKey = v
	}
}

// Validate checks cross-field constraints that YAML parsing cannot express.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueSize < 1 {
		return fmt.Errorf("scheduler.queue_size must be >= 1, got %d", c.Scheduler.QueueSize)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding.dimensions must be >= 1, got %d", c.Embedding.Dimensions)
	}
	if c.Cron.MaxErrors < 1 {
		return fmt.Errorf("cron.max_errors must be >= 1, got %d", c.Cron.MaxErrors)
	}
	for _, d := range []struct {
		name, val string
	}{
		{"llm.timeout", c.LLM.Timeout},
		{"scheduler.background_gap", c.Scheduler.BackgroundGap},
		{"scheduler.dispatch_period", c.Scheduler.DispatchPeriod},
		{"registry.run_timeout", c.Registry.RunTimeout},
		{"harness.gen_budget", c.Harness.GenBudget},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.val)
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback on empty or bad input.
// Validate has already rejected malformed values from files; this guards
// hand-constructed configs in tests.
func Duration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// Package config loads roomaker configuration: a YAML file layered over
// defaults, then .env and ROOMAKER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"roomaker/pkg/limiter"
	"roomaker/pkg/llm/middleware/circuit"
	"roomaker/pkg/llm/middleware/retry"
	"roomaker/pkg/plan"
)

// DefaultConfigFile is read when no explicit path is given. Its absence is not an error.
const DefaultConfigFile = "roomaker.yaml"

// EnvPrefix prefixes every environment override, e.g. ROOMAKER_LLM_MODEL.
const EnvPrefix = "ROOMAKER_"

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variables holding provider API keys.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GEMINI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Config is the complete roomaker configuration.
type Config struct {
	LLM            LLMConfig      `yaml:"llm"`
	Retry          retry.Config   `yaml:"retry"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
	RateLimit      limiter.Config `yaml:"rate_limit"`
	Cache          CacheConfig    `yaml:"cache"`
	Pipeline       PipelineConfig `yaml:"pipeline"`
	Storage        StorageConfig  `yaml:"storage"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Debug          bool           `yaml:"debug"`
}

// LLMConfig selects the provider and model and bounds each request.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"` // empty selects the provider's default
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BaseURL        string        `yaml:"base_url"`
	SystemPrompt   string        `yaml:"system_prompt"` // sent as a system message with every prompt
}

// OllamaHost returns the Ollama server URL: base_url, then OLLAMA_HOST, then "".
func (c *LLMConfig) OllamaHost() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return os.Getenv(EnvOllamaHost)
}

// CacheConfig controls the response cache. With storage enabled, responses are
// also kept in the history database and reused by later runs.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

// PipelineConfig tunes the artifact pipeline.
type PipelineConfig struct {
	PlanStrictness string `yaml:"plan_strictness"` // "title" or "full"
	OverrideDir    string `yaml:"override_dir"`    // directory for system-prompt-<slug> artifacts
	TemplateDir    string `yaml:"template_dir"`    // optional prompt template overrides
}

// StorageConfig controls the run history database.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// MetricsConfig controls metric collection and the exposition file written at exit.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputPath string `yaml:"output_path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:       ProviderAnthropic,
			MaxTokens:      8192,
			Temperature:    0.3,
			RequestTimeout: 3 * time.Minute,
		},
		Retry:          retry.DefaultConfig,
		CircuitBreaker: circuit.DefaultConfig,
		Cache:          CacheConfig{Enabled: true, Size: 256},
		Pipeline: PipelineConfig{
			PlanStrictness: string(plan.StrictnessTitle),
			OverrideDir:    ".roo",
		},
		Storage: StorageConfig{Enabled: true, DBPath: ".roomaker/history.db"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds the configuration. An empty path reads DefaultConfigFile when it
// exists; an explicit path must exist. The .env file in the working directory is
// loaded without overriding variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" && c.LLM.Provider == ProviderOllama {
		return fmt.Errorf("llm.model is required for provider %s", ProviderOllama)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 2.0, got %g", c.LLM.Temperature)
	}
	if c.LLM.RequestTimeout < 0 {
		return fmt.Errorf("llm.request_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.CircuitBreaker.FailureThreshold < 1 || c.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker thresholds must be at least 1")
	}
	if c.RateLimit.TokensPerMinute < 0 || c.RateLimit.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive when the cache is enabled")
	}
	if _, err := plan.ParseStrictness(c.Pipeline.PlanStrictness); err != nil {
		return fmt.Errorf("pipeline.plan_strictness: %w", err)
	}
	if c.Pipeline.OverrideDir == "" {
		return fmt.Errorf("pipeline.override_dir must not be empty")
	}
	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required when storage is enabled")
	}
	return nil
}

// Strictness returns the parsed plan strictness. Validate has already checked it.
func (c *Config) Strictness() plan.Strictness {
	s, err := plan.ParseStrictness(c.Pipeline.PlanStrictness)
	if err != nil {
		return plan.StrictnessTitle
	}
	return s
}

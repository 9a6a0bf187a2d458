// Package config loads and validates orchestrator configuration. Settings
// merge, in increasing precedence: built-in defaults, the project config
// file, process environment variables. Validation failures are configuration
// errors and map to CLI exit code 3.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Size constants shared with the artifact store and event recorder.
// Informational: the stores define their own thresholds; these exist so
// operators can read the limits from one place.
const (
	// ArtifactInlineMaxSize is the largest artifact stored inline.
	ArtifactInlineMaxSize = 4096
	// EventPayloadMaxSize is the largest event payload stored directly.
	EventPayloadMaxSize = 4096
)

// Concurrency bounds for the orchestrator worker pool.
const (
	DefaultMaxConcurrency = 3
	MinConcurrency        = 1
	MaxConcurrency        = 5
)

// ProjectConfigDir is the per-project directory holding configuration,
// artifacts, and logs.
const ProjectConfigDir = ".autobuildr"

// configFileName is the optional project config file inside ProjectConfigDir.
const configFileName = "config.yaml"

// ErrInvalidConfig marks configuration errors; the CLI maps it to exit 3.
var ErrInvalidConfig = errors.New("invalid configuration")

// Provider names recognized for the turn executor.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderScripted  = "scripted"
)

// Default models per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-0"
	DefaultOpenAIModel    = "gpt-5"
	DefaultGoogleModel    = "gemini-2.5-flash"
	DefaultOllamaModel    = "qwen3:8b"
	DefaultOllamaHost     = "http://localhost:11434"
)

// ExecutorConfig selects and tunes the LLM turn executor.
//
//nolint:govet // Configuration struct, logical grouping preferred
type ExecutorConfig struct {
	// Provider is one of anthropic, openai, google, ollama, scripted.
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model.
	Model string `yaml:"model"`
	// MaxTokens caps the tokens requested per completion.
	MaxTokens int `yaml:"max_tokens"`
	// Host is the server URL for the ollama provider.
	Host string `yaml:"host"`
}

// RetryConfig tunes the kernel's backoff for transient executor errors.
// Retries consume wall-clock budget but never turn budget.
//
//nolint:govet // Configuration struct, logical grouping preferred
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// Config is the full orchestrator configuration.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Config struct {
	// MaxConcurrency is the number of concurrent runs (K workers).
	MaxConcurrency int `yaml:"max_concurrency"`
	// UseKernel selects kernel-driven execution. The legacy path is not
	// implemented; false is rejected at validation.
	UseKernel bool `yaml:"use_kernel"`
	// AllowRemoteBind lets the health listener bind all interfaces.
	AllowRemoteBind bool `yaml:"allow_remote_bind"`
	// HealthPort is the health/metrics listener port; 0 disables it.
	HealthPort int `yaml:"health_port"`
	// EventMirror enables the JSONL event mirror under .autobuildr/logs.
	EventMirror bool `yaml:"event_mirror"`

	Executor ExecutorConfig `yaml:"executor"`
	Retry    RetryConfig    `yaml:"retry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxConcurrency:  DefaultMaxConcurrency,
		UseKernel:       true,
		AllowRemoteBind: false,
		HealthPort:      0,
		EventMirror:     false,
		Executor: ExecutorConfig{
			Provider:  ProviderAnthropic,
			MaxTokens: 4096,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Load builds the configuration for a project directory: defaults, then the
// project config file if present, then environment overrides, then
// validation.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(projectDir, ProjectConfigDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
		}
	case os.IsNotExist(err):
		// Optional file; defaults apply.
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() error {
	if raw := os.Getenv("ORCHESTRATOR_MAX_CONCURRENCY"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: ORCHESTRATOR_MAX_CONCURRENCY=%q is not an integer", ErrInvalidConfig, raw)
		}
		c.MaxConcurrency = n
	}
	if raw := os.Getenv("USE_KERNEL"); raw != "" {
		b, err := parseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: USE_KERNEL=%q is not a boolean", ErrInvalidConfig, raw)
		}
		c.UseKernel = b
	}
	if raw := os.Getenv("ALLOW_REMOTE_BIND"); raw != "" {
		b, err := parseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: ALLOW_REMOTE_BIND=%q is not a boolean", ErrInvalidConfig, raw)
		}
		c.AllowRemoteBind = b
	}
	if raw := os.Getenv("AUTOBUILDR_EXECUTOR"); raw != "" {
		c.Executor.Provider = raw
	}
	if raw := os.Getenv("AUTOBUILDR_MODEL"); raw != "" {
		c.Executor.Model = raw
	}
	if raw := os.Getenv("OLLAMA_HOST"); raw != "" {
		c.Executor.Host = raw
	}
	return nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrency < MinConcurrency || c.MaxConcurrency > MaxConcurrency {
		return fmt.Errorf("%w: max_concurrency %d outside [%d, %d]",
			ErrInvalidConfig, c.MaxConcurrency, MinConcurrency, MaxConcurrency)
	}
	if !c.UseKernel {
		// The legacy execution path was retired; the knob remains so old
		// deployments fail loudly instead of silently running the kernel.
		return fmt.Errorf("%w: use_kernel=false requests the legacy path, which is not supported", ErrInvalidConfig)
	}
	switch c.Executor.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama, ProviderScripted:
	default:
		return fmt.Errorf("%w: unknown executor provider %q", ErrInvalidConfig, c.Executor.Provider)
	}
	if c.Executor.MaxTokens <= 0 {
		return fmt.Errorf("%w: executor max_tokens must be positive, got %d", ErrInvalidConfig, c.Executor.MaxTokens)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry max_attempts must be >= 0, got %d", ErrInvalidConfig, c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("%w: retry multiplier must be >= 1.0, got %g", ErrInvalidConfig, c.Retry.Multiplier)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("%w: health_port %d outside [0, 65535]", ErrInvalidConfig, c.HealthPort)
	}
	return nil
}

// Model returns the configured model or the provider default.
func (c *Config) Model() string {
	if c.Executor.Model != "" {
		return c.Executor.Model
	}
	switch c.Executor.Provider {
	case ProviderOpenAI:
		return DefaultOpenAIModel
	case ProviderGoogle:
		return DefaultGoogleModel
	case ProviderOllama:
		return DefaultOllamaModel
	default:
		return DefaultAnthropicModel
	}
}

// OllamaHost returns the configured ollama host or the default.
func (c *Config) OllamaHost() string {
	if c.Executor.Host != "" {
		return c.Executor.Host
	}
	return DefaultOllamaHost
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}

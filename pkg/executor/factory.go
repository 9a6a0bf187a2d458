package executor

import (
	"fmt"

	"autobuildr/pkg/config"
	"autobuildr/pkg/executor/internal/llmimpl/anthropic"
	"autobuildr/pkg/executor/internal/llmimpl/google"
	"autobuildr/pkg/executor/internal/llmimpl/ollama"
	"autobuildr/pkg/executor/internal/llmimpl/openai"
	"autobuildr/pkg/executor/llm"
	"autobuildr/pkg/kernel"
)

// New builds the turn executor selected by the configuration. API keys are
// resolved from the environment first, then the decrypted secrets map; a
// missing key is a configuration error.
func New(cfg *config.Config, projectDir string, secrets map[string]string) (kernel.TurnExecutor, error) {
	if cfg.Executor.Provider == config.ProviderScripted {
		return NewScriptedExecutor(), nil
	}

	client, err := newClient(cfg, secrets)
	if err != nil {
		return nil, err
	}
	return NewTurnExecutor(NewRetryingClient(client, cfg.Retry), projectDir, cfg.Executor.MaxTokens), nil
}

func newClient(cfg *config.Config, secrets map[string]string) (llm.Client, error) {
	model := cfg.Model()
	switch cfg.Executor.Provider {
	case config.ProviderAnthropic:
		key, err := config.GetSecret(config.EnvAnthropicAPIKey, secrets)
		if err != nil {
			return nil, fmt.Errorf("%w: anthropic provider: %v", config.ErrInvalidConfig, err)
		}
		return anthropic.NewClient(key, model), nil
	case config.ProviderOpenAI:
		key, err := config.GetSecret(config.EnvOpenAIAPIKey, secrets)
		if err != nil {
			return nil, fmt.Errorf("%w: openai provider: %v", config.ErrInvalidConfig, err)
		}
		return openai.NewClient(key, model), nil
	case config.ProviderGoogle:
		key, err := config.GetSecret(config.EnvGeminiAPIKey, secrets)
		if err != nil {
			return nil, fmt.Errorf("%w: google provider: %v", config.ErrInvalidConfig, err)
		}
		return google.NewClient(key, model), nil
	case config.ProviderOllama:
		return ollama.NewClient(cfg.OllamaHost(), model), nil
	}
	return nil, fmt.Errorf("%w: unknown executor provider %q", config.ErrInvalidConfig, cfg.Executor.Provider)
}

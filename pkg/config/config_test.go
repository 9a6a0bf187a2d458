package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrency, cfg.MaxConcurrency)
	assert.True(t, cfg.UseKernel)
	assert.False(t, cfg.AllowRemoteBind)
	assert.Equal(t, ProviderAnthropic, cfg.Executor.Provider)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1*time.Second, cfg.Retry.InitialBackoff)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))

	yaml := `
max_concurrency: 5
health_port: 8081
executor:
  provider: ollama
  model: llama3
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxConcurrency)
	assert.Equal(t, 8081, cfg.HealthPort)
	assert.Equal(t, ProviderOllama, cfg.Executor.Provider)
	assert.Equal(t, "llama3", cfg.Model())
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte("{not yaml"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MAX_CONCURRENCY", "1")
	t.Setenv("AUTOBUILDR_EXECUTOR", ProviderScripted)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxConcurrency)
	assert.Equal(t, ProviderScripted, cfg.Executor.Provider)
}

func TestConcurrencyBounds(t *testing.T) {
	for _, raw := range []string{"0", "6", "-1"} {
		t.Setenv("ORCHESTRATOR_MAX_CONCURRENCY", raw)

		_, err := Load(t.TempDir())
		require.Error(t, err, "concurrency %s must be rejected", raw)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func TestUseKernelFalseRejected(t *testing.T) {
	t.Setenv("USE_KERNEL", "false")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "legacy")
}

func TestUnknownProviderRejected(t *testing.T) {
	t.Setenv("AUTOBUILDR_EXECUTOR", "mystery")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestModelDefaults(t *testing.T) {
	cfg := Default()

	cfg.Executor.Provider = ProviderOpenAI
	assert.Equal(t, DefaultOpenAIModel, cfg.Model())

	cfg.Executor.Provider = ProviderGoogle
	assert.Equal(t, DefaultGoogleModel, cfg.Model())

	cfg.Executor.Model = "custom"
	assert.Equal(t, "custom", cfg.Model())
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{
		"ANTHROPIC_API_KEY": "sk-test-123",
		"OPENAI_API_KEY":    "sk-test-456",
	}

	require.NoError(t, EncryptSecretsFile(dir, "passphrase", secrets))
	assert.True(t, SecretsFileExists(dir))

	// The file must be unreadable by group and other.
	info, err := os.Stat(filepath.Join(dir, ProjectConfigDir, "secrets.enc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	decrypted, err := DecryptSecretsFile(dir, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, secrets, decrypted)
}

func TestSecretsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "right", map[string]string{"K": "v"}))

	_, err := DecryptSecretsFile(dir, "wrong")
	require.Error(t, err)
}

func TestSecretsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "secrets.enc"), []byte("short"), 0600))

	_, err := DecryptSecretsFile(dir, "any")
	require.Error(t, err)
}

func TestGetSecretEnvFirst(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	value, err := GetSecret("ANTHROPIC_API_KEY", map[string]string{"ANTHROPIC_API_KEY": "from-file"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)
}

func TestGetSecretMissing(t *testing.T) {
	_, err := GetSecret("NO_SUCH_SECRET_XYZ", nil)
	require.Error(t, err)
}

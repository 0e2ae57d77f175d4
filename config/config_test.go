package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, ProviderOpenAI, c.Model.Provider)
	assert.Equal(t, 3, c.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.Retry.BaseDelay)
	assert.Equal(t, 5, c.Prompt.HistoryWindow)
	assert.Equal(t, "@@", c.Protocol.HeaderPrefix)
	assert.Contains(t, c.Files.Protected, ".scribe/")
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := `
model:
  provider: ollama
  name: llama3
  timeout: 10s
retry:
  max_attempts: 5
prompt:
  history_window: 2
files:
  strict_syntax: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	c, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, c.Model.Provider)
	assert.Equal(t, "llama3", c.Model.Name)
	assert.Equal(t, 10*time.Second, c.Model.Timeout)
	assert.Equal(t, 5, c.Retry.MaxAttempts)
	assert.Equal(t, 2, c.Prompt.HistoryWindow)
	assert.True(t, c.Files.StrictSyntax)
	// untouched keys keep their defaults
	assert.Equal(t, "<<<SCRIBE", c.Protocol.OpenMarker)
	assert.NoError(t, c.Validate())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SCRIBE_MODEL_PROVIDER", "anthropic")
	t.Setenv("SCRIBE_MODEL_NAME", "claude-3-5-sonnet-latest")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	c, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, c.Model.Provider)
	assert.Equal(t, "claude-3-5-sonnet-latest", c.Model.Name)
	assert.Equal(t, "sk-ant-test", c.Model.APIKey)
}

func TestValidate(t *testing.T) {
	c := DefaultConfig()
	c.Model.APIKey = ""
	assert.Error(t, c.Validate())

	c.Model.APIKey = "key"
	assert.NoError(t, c.Validate())

	c.Model.Provider = "mystery"
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Model.Provider = ProviderOllama
	c.Retry.MaxAttempts = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Model.Provider = ProviderOllama
	c.Protocol.CloseMarker = c.Protocol.OpenMarker
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Model.Provider = ProviderOllama
	c.Retry.MaxDelay = 0
	assert.Error(t, c.Validate(), "an uncapped backoff must be rejected")
}

func TestWriteDefaultAndYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "existing file must not be overwritten")

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Retry, c.Retry)

	c.Model.APIKey = "sk-1234567890abcdef"
	out, err := c.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "sk-1****cdef")
	assert.NotContains(t, out, "sk-1234567890abcdef")
}

func TestUseProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	c := DefaultConfig()
	c.Model.APIKey = "openai-key"

	c.UseProvider(ProviderAnthropic, "")
	assert.Equal(t, "ant-key", c.Model.APIKey)
	assert.Equal(t, DefaultModels[ProviderAnthropic], c.Model.Name)

	c.UseProvider(ProviderAnthropic, "claude-custom")
	assert.Equal(t, "ant-key", c.Model.APIKey)
	assert.Equal(t, "claude-custom", c.Model.Name)

	c.UseProvider("", "other")
	assert.Equal(t, ProviderAnthropic, c.Model.Provider)
	assert.Equal(t, "other", c.Model.Name)
}

func TestSet(t *testing.T) {
	c := DefaultConfig()
	c.Model.Provider = ProviderOllama

	require.NoError(t, c.Set("model.temperature", "0.7"))
	assert.InDelta(t, 0.7, c.Model.Temperature, 1e-6)
	require.NoError(t, c.Set("Model.Max_Tokens", " 1024 "))
	assert.Equal(t, 1024, c.Model.MaxTokens)
	require.NoError(t, c.Set("model.timeout", "90s"))
	assert.Equal(t, 90*time.Second, c.Model.Timeout)
	require.NoError(t, c.Set("prompt.history_window", "0"))
	assert.Equal(t, 0, c.Prompt.HistoryWindow)
	require.NoError(t, c.Set("files.backup", "false"))
	assert.False(t, c.Files.Backup)
	require.NoError(t, c.Set("model.name", "qwen2.5-coder"))
	assert.Equal(t, "qwen2.5-coder", c.Model.Name)
}

func TestSet_RejectsAndKeepsConfig(t *testing.T) {
	c := DefaultConfig()
	c.Model.Provider = ProviderOllama
	before := *c

	assert.Error(t, c.Set("model.provider", "openai"), "provider is fixed for the session")
	assert.Error(t, c.Set("protocol.open_marker", "x"))
	assert.Error(t, c.Set("model.max_tokens", "lots"))
	assert.Error(t, c.Set("files.journal", "maybe"))
	assert.Error(t, c.Set("prompt.history_window", "-1"))
	assert.Error(t, c.Set("retry.max_attempts", "0"))
	assert.Error(t, c.Set("model.temperature", "-0.5"))
	assert.Error(t, c.Set("model.name", ""))

	assert.Equal(t, before, *c)
	assert.Contains(t, SettableKeys(), "files.strict_syntax")
}

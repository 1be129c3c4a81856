package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderDefaultsWithoutFile(t *testing.T) {
	loader := NewLoader("")
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Model.Provider)
	assert.Equal(t, 8765, cfg.Daemon.Port)
}

func TestLoaderMissingFileErrors(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestLoaderReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	content := `
root: /src/project
model:
  provider: kimi
  kimi_api_key: sk-file-key
daemon:
  port: 9100
agent:
  max_tool_calls: 12
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/src/project", cfg.Root)
	assert.Equal(t, "kimi", cfg.Model.Provider)
	assert.Equal(t, "sk-file-key", cfg.Model.KimiAPIKey)
	assert.Equal(t, 9100, cfg.Daemon.Port)
	assert.Equal(t, 12, cfg.Agent.MaxToolCalls)
	// untouched sections keep defaults
	assert.Equal(t, 2000, cfg.Daemon.EventCapacity)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_DAEMON_PORT", "9200")
	t.Setenv("AGENTD_TOKEN", "env-token")
	t.Setenv("LLM_PROVIDER", "moonshot")
	t.Setenv("MOONSHOT_API_KEY", "sk-env-key")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Daemon.Port)
	assert.Equal(t, "env-token", cfg.Daemon.Token)
	assert.Equal(t, "kimi", cfg.Model.Provider)
	assert.Equal(t, "sk-env-key", cfg.Model.KimiAPIKey)
}

func TestLoaderProviderModelFallback(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_MODEL_ID", "gemini-2.5-pro")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", cfg.Model.ModelID)
	assert.Equal(t, "gemini-2.5-pro", cfg.Model.ResolvedModelID())
}

func TestLoaderExplicitModelWinsOverFallback(t *testing.T) {
	t.Setenv("LLM_MODEL_ID", "custom-model")
	t.Setenv("GEMINI_MODEL_ID", "gemini-2.5-pro")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "custom-model", cfg.Model.ModelID)
}

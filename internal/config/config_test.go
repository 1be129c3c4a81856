package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, "gemini", cfg.Model.Provider)
	assert.Equal(t, DefaultKimiBaseURL, cfg.Model.KimiBaseURL)
	assert.Equal(t, 30, cfg.Agent.MaxToolCalls)
	assert.Equal(t, 1, cfg.Agent.CacheDepth)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
	assert.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	assert.Equal(t, 8765, cfg.Daemon.Port)
	assert.Equal(t, 2000, cfg.Daemon.EventCapacity)
	assert.Equal(t, 15, cfg.Supervisor.StartupTimeoutSeconds)
	assert.True(t, cfg.Watcher.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestNormalizeProvider(t *testing.T) {
	assert.Equal(t, "kimi", NormalizeProvider("moonshot"))
	assert.Equal(t, "kimi", NormalizeProvider("openai_compat"))
	assert.Equal(t, "kimi", NormalizeProvider("Kimi"))
	assert.Equal(t, "gemini", NormalizeProvider(""))
	assert.Equal(t, "anthropic", NormalizeProvider(" anthropic "))
}

func TestResolvedModelID(t *testing.T) {
	m := ModelConfig{Provider: "gemini"}
	assert.Equal(t, DefaultGeminiModel, m.ResolvedModelID())

	m = ModelConfig{Provider: "moonshot"}
	assert.Equal(t, DefaultKimiModel, m.ResolvedModelID())

	m = ModelConfig{Provider: "anthropic"}
	assert.Equal(t, DefaultAnthropicModel, m.ResolvedModelID())

	m = ModelConfig{Provider: "gemini", ModelID: "gemini-2.5-pro"}
	assert.Equal(t, "gemini-2.5-pro", m.ResolvedModelID())
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Model.GeminiAPIKey = "test-key"
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing API key", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "API key")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := valid()
		cfg.Model.Provider = "llama"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid provider")
	})

	t.Run("provider alias accepted", func(t *testing.T) {
		cfg := valid()
		cfg.Model.Provider = "moonshot"
		cfg.Model.KimiAPIKey = "sk-test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("invalid port", func(t *testing.T) {
		cfg := valid()
		cfg.Daemon.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("tiny event capacity", func(t *testing.T) {
		cfg := valid()
		cfg.Daemon.EventCapacity = 4
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "event_capacity")
	})

	t.Run("zero budget", func(t *testing.T) {
		cfg := valid()
		cfg.Agent.MaxToolCalls = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative cache depth", func(t *testing.T) {
		cfg := valid()
		cfg.Agent.CacheDepth = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-loopback without token", func(t *testing.T) {
		cfg := valid()
		cfg.Daemon.Host = "0.0.0.0"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "non-loopback")
	})

	t.Run("non-loopback with token", func(t *testing.T) {
		cfg := valid()
		cfg.Daemon.Host = "0.0.0.0"
		cfg.Daemon.Token = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("non-loopback opt-in", func(t *testing.T) {
		cfg := valid()
		cfg.Daemon.Host = "0.0.0.0"
		cfg.Daemon.AllowInsecure = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.GeminiAPIKey = "AIzaSyVerySecretKey123"
	cfg.Daemon.Token = "topsecrettoken"

	s := cfg.String()
	assert.NotContains(t, s, "AIzaSyVerySecretKey123")
	assert.NotContains(t, s, "topsecrettoken")
	assert.Contains(t, s, "AIza****")
}

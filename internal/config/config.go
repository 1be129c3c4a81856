package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// Config represents the full agentd configuration
type Config struct {
	// Root is the repository directory the agent answers questions about
	Root string `json:"root" mapstructure:"root"`

	// Model backend selection and credentials
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Agent loop tuning
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Daemon facade
	Daemon DaemonConfig `json:"daemon" mapstructure:"daemon"`

	// Process supervisor
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`

	// Repository watcher
	Watcher WatcherConfig `json:"watcher" mapstructure:"watcher"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ModelConfig selects the model backend and carries its credentials
type ModelConfig struct {
	Provider        string  `json:"provider" mapstructure:"provider"` // gemini, kimi, anthropic
	ModelID         string  `json:"model_id" mapstructure:"model_id"` // empty means provider default
	GeminiAPIKey    string  `json:"gemini_api_key" mapstructure:"gemini_api_key"`
	KimiAPIKey      string  `json:"kimi_api_key" mapstructure:"kimi_api_key"`
	AnthropicAPIKey string  `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	KimiBaseURL     string  `json:"kimi_base_url" mapstructure:"kimi_base_url"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// AgentConfig tunes the tool-calling loop
type AgentConfig struct {
	MaxToolCalls       int `json:"max_tool_calls" mapstructure:"max_tool_calls"`
	CacheDepth         int `json:"cache_depth" mapstructure:"cache_depth"`
	MaxRetries         int `json:"max_retries" mapstructure:"max_retries"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// DaemonConfig configures the HTTP facade
type DaemonConfig struct {
	Host                   string `json:"host" mapstructure:"host"`
	Port                   int    `json:"port" mapstructure:"port"`
	Token                  string `json:"token" mapstructure:"token"`
	AllowInsecure          bool   `json:"allow_insecure" mapstructure:"allow_insecure"`
	EventCapacity          int    `json:"event_capacity" mapstructure:"event_capacity"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
	StatsSchedule          string `json:"stats_schedule" mapstructure:"stats_schedule"`
}

// SupervisorConfig configures daemon subprocess management
type SupervisorConfig struct {
	StartupTimeoutSeconds int `json:"startup_timeout_seconds" mapstructure:"startup_timeout_seconds"`
	GraceSeconds          int `json:"grace_seconds" mapstructure:"grace_seconds"`
}

// WatcherConfig configures the repository change watcher
type WatcherConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	DebounceMS int  `json:"debounce_ms" mapstructure:"debounce_ms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAge    int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultKimiBaseURL is the Moonshot OpenAI-compatible endpoint
const DefaultKimiBaseURL = "https://api.moonshot.cn/v1"

// Per-provider default model ids
const (
	DefaultGeminiModel    = "gemini-2.5-flash"
	DefaultKimiModel      = "kimi-k2-turbo-preview"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
)

// DefaultConfig returns the default agentd configuration
func DefaultConfig() *Config {
	return &Config{
		Root: ".",
		Model: ModelConfig{
			Provider:    "gemini",
			KimiBaseURL: DefaultKimiBaseURL,
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		Agent: AgentConfig{
			MaxToolCalls:       30,
			CacheDepth:         1,
			MaxRetries:         3,
			ToolTimeoutSeconds: 30,
		},
		Daemon: DaemonConfig{
			Host:                   "127.0.0.1",
			Port:                   8765,
			EventCapacity:          2000,
			ShutdownTimeoutSeconds: 10,
			StatsSchedule:          "@every 30s",
		},
		Supervisor: SupervisorConfig{
			StartupTimeoutSeconds: 15,
			GraceSeconds:          5,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMS: 500,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
	}
}

// NormalizeProvider maps provider aliases to canonical names
func NormalizeProvider(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "moonshot", "openai_compat", "openai-compat":
		return "kimi"
	case "":
		return "gemini"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

// ResolvedModelID returns the configured model id, falling back to the
// provider default
func (m ModelConfig) ResolvedModelID() string {
	if m.ModelID != "" {
		return m.ModelID
	}
	switch NormalizeProvider(m.Provider) {
	case "kimi":
		return DefaultKimiModel
	case "anthropic":
		return DefaultAnthropicModel
	default:
		return DefaultGeminiModel
	}
}

// APIKey returns the credential for the selected provider
func (m ModelConfig) APIKey() string {
	switch NormalizeProvider(m.Provider) {
	case "kimi":
		return m.KimiAPIKey
	case "anthropic":
		return m.AnthropicAPIKey
	default:
		return m.GeminiAPIKey
	}
}

// ListenAddr returns the host:port the daemon binds to
func (d DaemonConfig) ListenAddr() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Model.GeminiAPIKey = maskSecret(masked.Model.GeminiAPIKey)
	masked.Model.KimiAPIKey = maskSecret(masked.Model.KimiAPIKey)
	masked.Model.AnthropicAPIKey = maskSecret(masked.Model.AnthropicAPIKey)
	masked.Daemon.Token = maskSecret(masked.Daemon.Token)
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory is required")
	}

	provider := NormalizeProvider(c.Model.Provider)
	switch provider {
	case "gemini", "kimi", "anthropic":
	default:
		return fmt.Errorf("invalid provider %q (must be: gemini, kimi, anthropic)", c.Model.Provider)
	}
	if c.Model.APIKey() == "" {
		return fmt.Errorf("no API key configured for provider %s", provider)
	}
	if provider == "kimi" && c.Model.KimiBaseURL == "" {
		return fmt.Errorf("kimi_base_url is required for the kimi provider")
	}

	if c.Agent.MaxToolCalls < 1 {
		return fmt.Errorf("agent max_tool_calls must be at least 1")
	}
	if c.Agent.CacheDepth < 0 {
		return fmt.Errorf("agent cache_depth must not be negative")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent max_retries must not be negative")
	}

	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return fmt.Errorf("invalid daemon port %d", c.Daemon.Port)
	}
	if c.Daemon.EventCapacity < 16 {
		return fmt.Errorf("daemon event_capacity must be at least 16")
	}
	if !isLoopback(c.Daemon.Host) && c.Daemon.Token == "" && !c.Daemon.AllowInsecure {
		return fmt.Errorf("binding to non-loopback host %s requires a token or allow_insecure", c.Daemon.Host)
	}

	if c.Supervisor.StartupTimeoutSeconds < 1 {
		return fmt.Errorf("supervisor startup_timeout_seconds must be at least 1")
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

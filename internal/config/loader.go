package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads configuration from the config file (when present), the
// environment, and a .env file in the working directory, in ascending
// precedence: defaults < file < .env < environment.
func (l *Loader) Load() (*Config, error) {
	// .env values become process env before viper reads it; existing
	// variables win.
	_ = gotenv.Load()

	v := viper.New()

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindProviderEnv(v)

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", l.configPath, err)
		}
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyProviderFallbacks(cfg)
	cfg.Model.Provider = NormalizeProvider(cfg.Model.Provider)

	return cfg, nil
}

// bindProviderEnv wires the bare provider variables the model SDKs
// historically use, which do not carry the AGENTD_ prefix.
func bindProviderEnv(v *viper.Viper) {
	_ = v.BindEnv("model.provider", "AGENTD_MODEL_PROVIDER", "LLM_PROVIDER")
	_ = v.BindEnv("model.model_id", "AGENTD_MODEL_MODEL_ID", "LLM_MODEL_ID")
	_ = v.BindEnv("model.gemini_api_key", "AGENTD_MODEL_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("model.kimi_api_key", "AGENTD_MODEL_KIMI_API_KEY", "MOONSHOT_API_KEY", "KIMI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("model.anthropic_api_key", "AGENTD_MODEL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("model.kimi_base_url", "AGENTD_MODEL_KIMI_BASE_URL", "KIMI_BASE_URL")
	_ = v.BindEnv("daemon.host", "AGENTD_DAEMON_HOST", "AGENTD_HOST")
	_ = v.BindEnv("daemon.port", "AGENTD_DAEMON_PORT", "AGENTD_PORT")
	_ = v.BindEnv("daemon.token", "AGENTD_DAEMON_TOKEN", "AGENTD_TOKEN")
	_ = v.BindEnv("logging.level", "AGENTD_LOGGING_LEVEL", "AGENTD_LOG_LEVEL")
	_ = v.BindEnv("root", "AGENTD_ROOT")
}

// applyProviderFallbacks fills per-provider model id overrides
// (GEMINI_MODEL_ID, KIMI_MODEL_ID) when no explicit model id is set.
func applyProviderFallbacks(cfg *Config) {
	if cfg.Model.ModelID != "" {
		return
	}
	switch NormalizeProvider(cfg.Model.Provider) {
	case "gemini":
		cfg.Model.ModelID = os.Getenv("GEMINI_MODEL_ID")
	case "kimi":
		cfg.Model.ModelID = os.Getenv("KIMI_MODEL_ID")
	}
}

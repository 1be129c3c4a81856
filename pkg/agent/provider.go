package agent

import (
	"context"
	"fmt"

	"repoagent/internal/config"
)

// ToolSchema describes one tool to the model. Parameters is a JSON
// Schema object passed through to the provider unchanged.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Request is one model invocation: the full conversation so far plus
// the tools the model may call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
	Temperature  float64
	MaxTokens    int
}

// Reply is the model's response to a single request. A reply with tool
// calls continues the loop; one without ends the turn.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// ModelBackend adapts one provider API to the turn loop. Send returns
// retryable failures as *TransportError.
type ModelBackend interface {
	Send(ctx context.Context, req Request) (*Reply, error)
	Provider() string
}

// NewBackend builds the backend for the configured provider.
func NewBackend(cfg config.ModelConfig) (ModelBackend, error) {
	provider := config.NormalizeProvider(cfg.Provider)
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", provider)
	}

	switch provider {
	case "gemini":
		return newGeminiBackend(key)
	case "kimi":
		base := cfg.KimiBaseURL
		if base == "" {
			base = config.DefaultKimiBaseURL
		}
		return newKimiBackend(key, base)
	case "anthropic":
		return newAnthropicBackend(key)
	default:
		return nil, fmt.Errorf("unsupported model provider: %q", cfg.Provider)
	}
}

package agent

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"
)

// geminiBackend talks to the Gemini API through the google.golang.org/genai
// SDK. Gemini omits function call IDs, so the backend mints one per call
// before handing the reply to the loop, and strips them again when the
// history is replayed.
type geminiBackend struct {
	client *genai.Client
}

func newGeminiBackend(apiKey string) (*geminiBackend, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (b *geminiBackend) Provider() string { return "gemini" }

func (b *geminiBackend) Send(ctx context.Context, req Request) (*Reply, error) {
	contents := buildGeminiContents(req.Messages)

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := b.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, classifyBackendError("gemini", err)
	}

	reply := &Reply{}
	if resp.UsageMetadata != nil {
		reply.Usage = TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return reply, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			reply.Text += part.Text
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + gonanoid.Must(8)
			}
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	return reply, nil
}

// buildGeminiContents converts loop history to Gemini contents. Tool
// results become function response parts on a user-role content, and
// consecutive results collapse into one content so a parallel call
// batch is answered in a single message, which the API requires.
func buildGeminiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	var pendingResponses []*genai.Part

	flush := func() {
		if len(pendingResponses) == 0 {
			return
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: pendingResponses})
		pendingResponses = nil
	}

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			pendingResponses = append(pendingResponses, genai.NewPartFromFunctionResponse(
				m.ToolName, map[string]any{"result": m.Content}))
			continue
		case RoleAssistant:
			flush()
			if len(m.ToolCalls) == 0 {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
				continue
			}
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, call := range m.ToolCalls {
				// Locally minted IDs are not echoed back; Gemini
				// matches responses to calls by name and order.
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: call.Name,
					Args: call.Args,
				}})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			flush()
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	flush()
	return contents
}

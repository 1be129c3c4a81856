package agent

import "time"

// Message roles as stored in session history. Tool results use RoleTool
// regardless of how the active provider represents them on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content,omitempty"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a model-requested tool invocation. Gemini does not supply
// call IDs, so the backend synthesizes them before the loop sees the call.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// TokenUsage accumulates reported token counts across the model requests
// of a turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add folds another request's usage into the running total.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// TurnOutcome classifies how a turn ended.
type TurnOutcome string

const (
	OutcomeCompleted       TurnOutcome = "completed"
	OutcomeBudgetExhausted TurnOutcome = "budget_exhausted"
	OutcomeCancelled       TurnOutcome = "cancelled"
	OutcomeFailed          TurnOutcome = "failed"
)

// TurnResult is the terminal state of one turn. History is the caller's
// input history plus every message the turn appended; on cancellation
// and failure it still carries whatever partial progress was made.
type TurnResult struct {
	Outcome        TurnOutcome
	Answer         string
	EffectiveCalls int
	Usage          TokenUsage
	History        []Message
	Err            error
}

// UserMessage builds a user-role history entry.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// AssistantText builds an assistant-role entry carrying plain text.
func AssistantText(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

// AssistantToolCalls builds the assistant entry that records a batch of
// requested tool calls, with any interim text the model produced.
func AssistantToolCalls(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

// ToolResultMessage builds the tool-role entry pairing a result with the
// call that produced it.
func ToolResultMessage(call ToolCall, output string) Message {
	return Message{
		Role:       RoleTool,
		Content:    output,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Timestamp:  time.Now().UTC(),
	}
}

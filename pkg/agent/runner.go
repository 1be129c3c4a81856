package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"repoagent/internal/observability"
	"repoagent/internal/tracing"
	"repoagent/pkg/toolexecutor"
)

// Defaults applied by NewRunner when the corresponding Config field is
// unset.
const (
	DefaultMaxToolCalls = 30
	DefaultCacheDepth   = 1
	defaultMaxRetries   = 3
)

// Event kinds emitted by the turn loop. Session lifecycle kinds live in
// pkg/session.
const (
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventModelText  = "model_text"
	EventWarning    = "warning"
	EventError      = "error"
)

// resultPreviewLen bounds tool output carried in event payloads and
// budget summaries. History always holds the full output.
const resultPreviewLen = 200

// EventSink receives loop progress events. Emit is called inline
// between model requests and tool executions and must not block.
type EventSink interface {
	Emit(kind string, payload map[string]interface{})
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]interface{}) {}

// Config holds runner configuration. Backend, Executor, and Model are
// required; the rest defaults.
type Config struct {
	Backend      ModelBackend
	Executor     *toolexecutor.Executor
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MaxToolCalls int
	CacheDepth   int
	MaxRetries   int
	Logger       zerolog.Logger
}

// Runner drives conversational turns against a model backend. A Runner
// is stateless across turns and safe for concurrent use; per-turn state
// (history, call cache, budget) lives on the stack of RunTurn.
type Runner struct {
	cfg   Config
	tools []ToolSchema
}

// NewRunner validates cfg and snapshots the executor's tool schemas.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Backend == nil {
		return nil, errors.New("model backend is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model id is required")
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.CacheDepth < 0 {
		cfg.CacheDepth = 0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	defs := cfg.Executor.Definitions()
	tools := make([]ToolSchema, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema,
		})
	}

	observability.EnsureRegistered()
	return &Runner{cfg: cfg, tools: tools}, nil
}

// Provider reports the backend's provider name.
func (r *Runner) Provider() string { return r.cfg.Backend.Provider() }

// MaxToolCalls reports the per-turn tool call budget.
func (r *Runner) MaxToolCalls() int { return r.cfg.MaxToolCalls }

// Turn is one unit of work: the session's conversation, already ending
// with the just-submitted user message, plus the hooks the session
// layer uses to observe progress and signal cancellation.
type Turn struct {
	SessionID string
	History   []Message
	Sink      EventSink
	Cancelled func() bool
}

// RunTurn executes one turn to a terminal outcome. It works on a copy
// of turn.History; the caller adopts the returned history afterwards.
// Cancellation is checked before every model request and every tool
// call, never mid-execution.
func (r *Runner) RunTurn(ctx context.Context, turn Turn) TurnResult {
	start := time.Now()
	provider := r.cfg.Backend.Provider()

	ctx = tracing.NewTurnContext(ctx, turn.SessionID)
	ctx, span := tracing.StartSpan(ctx, "repoagent.agent", "agent.turn",
		attribute.String("session_id", turn.SessionID),
		attribute.String("provider", provider),
		attribute.String("model", r.cfg.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.cfg.Logger).With().
		Str("session_id", turn.SessionID).
		Logger()

	sink := turn.Sink
	if sink == nil {
		sink = nopSink{}
	}
	cancelled := turn.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	history := append([]Message(nil), turn.History...)
	cache := newCallCache(r.cfg.CacheDepth)
	var (
		usage     TokenUsage
		effective int
		previews  []string
	)

	finish := func(res TurnResult) TurnResult {
		res.EffectiveCalls = effective
		res.Usage = usage
		res.History = history
		observability.RecordTurn(provider, string(res.Outcome), time.Since(start))
		span.SetAttributes(
			attribute.String("outcome", string(res.Outcome)),
			attribute.Int("effective_calls", effective),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		logger.Info().
			Str("outcome", string(res.Outcome)).
			Int("effective_calls", effective).
			Int("input_tokens", usage.InputTokens).
			Int("output_tokens", usage.OutputTokens).
			Dur("duration", time.Since(start)).
			Msg("turn finished")
		return res
	}

	logger.Debug().Int("messages", len(history)).Str("model", r.cfg.Model).Msg("turn started")

	for {
		if cancelled() || ctx.Err() != nil {
			return finish(TurnResult{Outcome: OutcomeCancelled})
		}

		reply, err := r.sendWithRetry(ctx, logger, sink, history)
		if err != nil {
			if cancelled() || errors.Is(err, context.Canceled) {
				return finish(TurnResult{Outcome: OutcomeCancelled})
			}
			sink.Emit(EventError, map[string]interface{}{"message": err.Error()})
			return finish(TurnResult{Outcome: OutcomeFailed, Err: err})
		}
		usage.Add(reply.Usage)

		if len(reply.ToolCalls) == 0 {
			answer := reply.Text
			if strings.TrimSpace(answer) == "" {
				answer = "(model returned no text)"
			}
			history = append(history, AssistantText(answer))
			sink.Emit(EventModelText, map[string]interface{}{"text": answer})
			return finish(TurnResult{Outcome: OutcomeCompleted, Answer: answer})
		}

		history = append(history, AssistantToolCalls(reply.Text, reply.ToolCalls))

		// Every requested call gets a tool result entry even when the
		// turn stops mid-batch; providers reject histories with
		// unanswered tool calls.
		cancelledMidBatch := false
		for _, call := range reply.ToolCalls {
			if !cancelledMidBatch && (cancelled() || ctx.Err() != nil) {
				cancelledMidBatch = true
			}
			if cancelledMidBatch {
				history = append(history, ToolResultMessage(call, "Call not executed: turn cancelled."))
				continue
			}
			if effective >= r.cfg.MaxToolCalls {
				history = append(history, ToolResultMessage(call, "Call not executed: tool call budget exhausted."))
				continue
			}

			effective++
			key := canonicalCallKey(call.Name, call.Args)
			if cachedOutput, ok := cache.lookup(key); ok {
				logger.Debug().Str("tool", call.Name).Str("call_id", call.ID).Msg("tool call served from cache")
				sink.Emit(EventToolCall, map[string]interface{}{
					"call_id": call.ID,
					"tool":    call.Name,
					"args":    call.Args,
					"cached":  true,
				})
				sink.Emit(EventToolResult, map[string]interface{}{
					"call_id":     call.ID,
					"tool":        call.Name,
					"ok":          true,
					"output":      resultPreview(cachedOutput),
					"duration_ms": int64(0),
					"cached":      true,
				})
				observability.RecordToolCall(call.Name, "cached", 0)
				history = append(history, ToolResultMessage(call, cachedOutput))
				previews = append(previews, call.Name+": "+resultPreview(cachedOutput))
				continue
			}

			sink.Emit(EventToolCall, map[string]interface{}{
				"call_id": call.ID,
				"tool":    call.Name,
				"args":    call.Args,
				"cached":  false,
			})
			result := r.cfg.Executor.Execute(ctx, call.Name, call.Args)
			duration := time.Duration(result.DurationMs) * time.Millisecond
			if result.Success {
				cache.store(key, result.Output)
				observability.RecordToolCall(call.Name, "executed", duration)
				observability.RecordToolAudit(ctx, call.Name, turn.SessionID, "success",
					map[string]interface{}{"duration_ms": result.DurationMs})
				sink.Emit(EventToolResult, map[string]interface{}{
					"call_id":     call.ID,
					"tool":        call.Name,
					"ok":          true,
					"output":      resultPreview(result.Output),
					"duration_ms": result.DurationMs,
					"cached":      false,
				})
				history = append(history, ToolResultMessage(call, result.Output))
				previews = append(previews, call.Name+": "+resultPreview(result.Output))
			} else {
				feedback := "Error: " + result.Error
				observability.RecordToolCall(call.Name, "error", duration)
				observability.RecordToolAudit(ctx, call.Name, turn.SessionID, "failure",
					map[string]interface{}{"error": result.Error})
				sink.Emit(EventToolResult, map[string]interface{}{
					"call_id":     call.ID,
					"tool":        call.Name,
					"ok":          false,
					"error":       result.Error,
					"duration_ms": result.DurationMs,
					"cached":      false,
				})
				history = append(history, ToolResultMessage(call, feedback))
				previews = append(previews, call.Name+": "+resultPreview(feedback))
			}
		}

		if cancelledMidBatch {
			return finish(TurnResult{Outcome: OutcomeCancelled})
		}
		if effective >= r.cfg.MaxToolCalls {
			logger.Warn().Int("effective_calls", effective).Msg("tool call budget exhausted, composing local answer")
			sink.Emit(EventWarning, map[string]interface{}{
				"reason":  "budget_exhausted",
				"message": fmt.Sprintf("tool call budget exhausted after %d calls", effective),
			})
			answer := budgetFallbackAnswer(effective, r.cfg.MaxToolCalls, previews)
			history = append(history, AssistantText(answer))
			sink.Emit(EventModelText, map[string]interface{}{"text": answer})
			return finish(TurnResult{Outcome: OutcomeBudgetExhausted, Answer: answer})
		}
	}
}

// sendWithRetry issues one model request, retrying transport failures
// with the server-suggested delay when one is present and exponential
// backoff otherwise. Permanent errors return immediately.
func (r *Runner) sendWithRetry(ctx context.Context, logger zerolog.Logger, sink EventSink, history []Message) (*Reply, error) {
	req := Request{
		Model:        r.cfg.Model,
		SystemPrompt: r.cfg.SystemPrompt,
		Messages:     history,
		Tools:        r.tools,
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
	}
	provider := r.cfg.Backend.Provider()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		requestStart := time.Now()
		reply, err := r.cfg.Backend.Send(ctx, req)
		observability.RecordModelRequest(provider, time.Since(requestStart), err == nil)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		var transient *TransportError
		if !errors.As(err, &transient) {
			return nil, err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := transient.RetryAfter
		if delay <= 0 {
			delay = time.Second << (attempt - 1)
		}
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		observability.RecordModelRetry(provider)
		logger.Warn().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("model request failed, backing off")
		sink.Emit(EventWarning, map[string]interface{}{
			"reason":        "rate_limit",
			"attempt":       attempt,
			"delay_seconds": delay.Seconds(),
			"message":       fmt.Sprintf("model backend unavailable, retrying in %s", delay),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("model request failed after %d attempts: %w", r.cfg.MaxRetries, lastErr)
}

// resultPreview truncates tool output to its first resultPreviewLen
// runes for events and summaries.
func resultPreview(s string) string {
	runes := []rune(s)
	if len(runes) <= resultPreviewLen {
		return s
	}
	return string(runes[:resultPreviewLen]) + "..."
}

// budgetFallbackAnswer composes the local answer returned when the tool
// budget runs out, summarizing the most recent results instead of
// spending another model request.
func budgetFallbackAnswer(effective, budget int, previews []string) string {
	lines := []string{fmt.Sprintf(
		"Stopped after %d tool calls: the turn budget (%d) ran out before the model produced a final answer.",
		effective, budget)}
	if len(previews) > 0 {
		if len(previews) > 5 {
			previews = previews[len(previews)-5:]
		}
		lines = append(lines, "Findings from the most recent calls:")
		for _, p := range previews {
			lines = append(lines, "- "+p)
		}
	}
	lines = append(lines, "Ask a narrower follow-up question to continue in a new turn.")
	return strings.Join(lines, "\n")
}

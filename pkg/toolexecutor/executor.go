package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ToolHandler is the function signature for tool execution.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

// ToolDefinition defines a tool's metadata and handler. InputSchema is a
// JSON Schema object describing the arguments; it is compiled at
// registration and also handed to model backends verbatim.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Handler     ToolHandler            `json:"-"`
	Timeout     time.Duration          `json:"-"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Executor manages and executes tools.
type Executor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	defaultTimeout time.Duration
	mu             sync.RWMutex
}

// New creates a new Executor. defaultTimeout bounds handlers that do not
// declare their own; zero falls back to 30s.
func New(defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}

	return &Executor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		defaultTimeout: defaultTimeout,
	}
}

// RegisterTool registers a new tool.
func (e *Executor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	if def.InputSchema == nil {
		def.InputSchema = map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// GetTool returns a tool definition by name, or nil.
func (e *Executor) GetTool(name string) *ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.tools[name]
}

// ListTools returns all registered tool names, sorted.
func (e *Executor) ListTools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Definitions returns all registered tools sorted by name, for building
// the schema advertised to model backends.
func (e *Executor) Definitions() []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(e.tools))
	for _, def := range e.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}

// Execute runs a tool with validated arguments. Failures of any kind,
// including unknown tools, bad arguments, and timeouts, are reported in
// the result rather than raised; the caller feeds them back to the model.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]interface{}) ToolResult {
	startTime := time.Now()

	e.mu.RLock()
	tool := e.tools[toolName]
	schema := e.schemas[toolName]
	e.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{
			Success:    false,
			Error:      fmt.Sprintf("tool not found: %s", toolName),
			DurationMs: time.Since(startTime).Milliseconds(),
		}
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	if err := validateArguments(schema, args); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Argument validation failed")
		return ToolResult{
			Success:    false,
			Error:      fmt.Sprintf("argument validation failed: %v", err),
			DurationMs: time.Since(startTime).Milliseconds(),
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		output, err := tool.Handler(timeoutCtx, args)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(startTime)
		output, truncated := truncateOutput(output)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		return ToolResult{
			Success:    true,
			Output:     output,
			Truncated:  truncated,
			DurationMs: duration.Milliseconds(),
		}

	case err := <-errChan:
		duration := time.Since(startTime)

		log.Warn().
			Str("tool", toolName).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")

		return ToolResult{
			Success:    false,
			Error:      err.Error(),
			DurationMs: duration.Milliseconds(),
		}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)

		log.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool execution timeout")

		return ToolResult{
			Success:    false,
			Error:      fmt.Sprintf("tool execution timeout after %v", timeout),
			DurationMs: duration.Milliseconds(),
		}
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	return nil
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput truncates output if it exceeds the size limit.
func truncateOutput(output string) (string, bool) {
	const maxSize = 10 * 1024 // 10KB

	if len(output) <= maxSize {
		return output, false
	}

	log.Warn().
		Int("original", len(output)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return output[:maxSize] + "\n... [output truncated]", true
}

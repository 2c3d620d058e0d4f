// Package toolexec executes client-side tool calls requested by the remote model
// and converts their outcome into tool responses.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"convsync/internal/logger"
	"convsync/pkg/convtypes"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds a tool batch when no limit is configured.
const DefaultMaxConcurrency = 4

// Handler runs a tool with its decoded arguments. The returned value becomes the
// response content and must be JSON serializable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a client-capable tool declaration.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Hooks observe the execution of individual calls. Any hook may be nil.
type Hooks struct {
	OnStart    func(call convtypes.ToolCall)
	OnComplete func(call convtypes.ToolCall, result any, elapsed time.Duration)
	OnError    func(call convtypes.ToolCall, err error, elapsed time.Duration)
}

// Options configures an Executor.
type Options struct {
	MaxConcurrency int
	Hooks          Hooks
	Logger         *log.Logger
}

// Executor maps tool calls to registered handlers.
type Executor struct {
	order  []string
	tools  map[string]Tool
	limit  int
	logger *log.Logger

	hooksMu sync.RWMutex
	hooks   Hooks
}

// New creates an Executor for tools. Tool names must be unique and non-empty.
func New(tools []Tool, opts Options) (*Executor, error) {
	e := &Executor{
		tools: make(map[string]Tool, len(tools)),
		limit: opts.MaxConcurrency,
		hooks: opts.Hooks,
	}
	if e.limit <= 0 {
		e.limit = DefaultMaxConcurrency
	}
	e.logger = opts.Logger
	if e.logger == nil {
		e.logger = logger.NewStyledLogger("Tools")
	}

	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if tool.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", name)
		}
		if _, exists := e.tools[name]; exists {
			return nil, fmt.Errorf("tool %q registered twice", name)
		}
		tool.Name = name
		e.tools[name] = tool
		e.order = append(e.order, name)
	}
	return e, nil
}

// SetHooks replaces the execution hooks.
func (e *Executor) SetHooks(h Hooks) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = h
}

func (e *Executor) currentHooks() Hooks {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.hooks
}

// Names returns registered tool names in registration order.
func (e *Executor) Names() []string {
	return append([]string(nil), e.order...)
}

// Len returns the number of registered tools.
func (e *Executor) Len() int {
	return len(e.order)
}

// IsClientTool reports whether name is registered.
func (e *Executor) IsClientTool(name string) bool {
	_, ok := e.tools[name]
	return ok
}

// ToolSchemas returns one function tool descriptor per tool, in registration order.
func (e *Executor) ToolSchemas() []openai.ChatCompletionToolParam {
	if len(e.order) == 0 {
		return nil
	}
	schemas := make([]openai.ChatCompletionToolParam, 0, len(e.order))
	for _, name := range e.order {
		tool := e.tools[name]
		params := openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		for k, v := range tool.Parameters {
			params[k] = v
		}
		fn := openai.FunctionDefinitionParam{
			Name:       tool.Name,
			Parameters: params,
		}
		if tool.Description != "" {
			fn.Description = openai.String(tool.Description)
		}
		schemas = append(schemas, openai.ChatCompletionToolParam{Function: fn})
	}
	return schemas
}

// HandleToolCalls executes the registered calls and returns one response per
// executed call in input order. Unregistered calls are skipped. A failing or
// panicking handler produces an error payload and never aborts the batch.
func (e *Executor) HandleToolCalls(ctx context.Context, calls []convtypes.ToolCall) []convtypes.ToolResponse {
	runnable := make([]convtypes.ToolCall, 0, len(calls))
	for _, call := range calls {
		if !e.IsClientTool(call.Name()) {
			e.logger.Debug("Skipping unregistered tool call", "tool", call.Name(), "call_id", call.ID)
			continue
		}
		runnable = append(runnable, call)
	}
	if len(runnable) == 0 {
		return nil
	}

	responses := make([]convtypes.ToolResponse, len(runnable))
	hooks := e.currentHooks()

	// Handlers never return errors to the group, so Wait only blocks until the batch drains.
	var g errgroup.Group
	g.SetLimit(e.limit)
	for i, call := range runnable {
		i, call := i, call
		g.Go(func() error {
			responses[i] = e.execute(ctx, call, hooks)
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

func (e *Executor) execute(ctx context.Context, call convtypes.ToolCall, hooks Hooks) convtypes.ToolResponse {
	tool := e.tools[call.Name()]
	args := ParseArguments(call.Function.Arguments)

	if hooks.OnStart != nil {
		hooks.OnStart(call)
	}
	e.logger.Debug("Executing tool", "tool", tool.Name, "call_id", call.ID)

	start := time.Now()
	result, err := invoke(ctx, tool.Handler, args)
	elapsed := time.Since(start)

	resp := convtypes.ToolResponse{ToolCallID: call.ID, Role: convtypes.RoleTool}
	if err != nil {
		e.logger.Warn("Tool failed", "tool", tool.Name, "call_id", call.ID, "error", err)
		if hooks.OnError != nil {
			hooks.OnError(call, err, elapsed)
		}
		resp.Content = convtypes.ToolError{Error: err.Error()}
		return resp
	}

	if hooks.OnComplete != nil {
		hooks.OnComplete(call, result, elapsed)
	}
	resp.Content = result
	return resp
}

func invoke(ctx context.Context, h Handler, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Tool handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(ctx, args)
}

// ParseArguments decodes a serialized JSON argument object. Malformed or
// non-object input yields an empty map.
func ParseArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// ExtractPendingToolCalls returns the calls of the most recent tool-calling
// assistant message that target a registered tool and have not been answered by
// a later tool message. Earlier assistant messages are not examined.
func (e *Executor) ExtractPendingToolCalls(messages []convtypes.Message) []convtypes.ToolCall {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != convtypes.RoleAssistant || !msg.HasToolCalls() {
			continue
		}

		answered := make(map[string]struct{})
		for _, later := range messages[i+1:] {
			if later.Role == convtypes.RoleTool && later.ToolCallID != "" {
				answered[later.ToolCallID] = struct{}{}
			}
		}

		var pending []convtypes.ToolCall
		for _, call := range msg.ToolCalls {
			if !e.IsClientTool(call.Name()) {
				continue
			}
			if _, done := answered[call.ID]; done {
				continue
			}
			pending = append(pending, call)
		}
		return pending
	}
	return nil
}

// FilterClientCalls keeps the calls that target a registered tool.
func (e *Executor) FilterClientCalls(calls []convtypes.ToolCall) []convtypes.ToolCall {
	var out []convtypes.ToolCall
	for _, call := range calls {
		if e.IsClientTool(call.Name()) {
			out = append(out, call)
		}
	}
	return out
}

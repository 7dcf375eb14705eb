// Package tools implements the tool dispatch registry. Tools are named
// handlers with JSON-schema argument specs; schemas are compiled at
// registration and arguments validated before every execution. Results are
// normalized to the standard {status, data, error, message} shape the turn
// engine feeds back to the model.
//
// The platform tool group (spawn_agent, terminate_agent, ...) is defined in
// platform.go; external modules add their own groups with RegisterGroup.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
)

// Logger is the protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// =============================================================================
// Definitions
// =============================================================================

// Handler executes one tool call. Handlers are cooperative: they honor ctx
// and the cancellation token in tctx for long operations.
type Handler func(ctx context.Context, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error)

// Definition declares a tool: its model-facing contract plus the handler.
// Parameters is a JSON-schema document for the argument object; nil skips
// validation.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

type registeredTool struct {
	def    *Definition
	schema *jsonschema.Schema
}

// =============================================================================
// Errors
// =============================================================================

// UnknownToolError reports a dispatch to a name nothing registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// InvalidArgumentsError reports arguments rejected by the tool's schema.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// IsUnknownTool checks if an error is an UnknownToolError.
func IsUnknownTool(err error) bool {
	var target *UnknownToolError
	return errors.As(err, &target)
}

// IsInvalidArguments checks if an error is an InvalidArgumentsError.
func IsInvalidArguments(err error) bool {
	var target *InvalidArgumentsError
	return errors.As(err, &target)
}

// =============================================================================
// Registry
// =============================================================================

// Registry dispatches tool calls by name.
//
// Features:
//   - Schema compilation at registration; bad specs never enter the table
//   - Argument validation before every execution
//   - Panic-recovered handlers; a crashing tool fails its call, not the turn
//   - Registration-order ListTools for stable model-facing tool lists
type Registry struct {
	logger Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger Logger) *Registry {
	return &Registry{
		logger: logger,
		tools:  make(map[string]*registeredTool),
	}
}

// Register adds one tool. The schema, when present, is compiled here so
// registration fails fast on malformed specs. Re-registering a name is an
// error.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for %q", def.Name)
	}

	var schema *jsonschema.Schema
	if def.Parameters != nil {
		compiled, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	r.order = append(r.order, def.Name)

	if r.logger != nil {
		r.logger.Debug("tool_registered", "tool", def.Name)
	}
	return nil
}

// RegisterGroup adds a named set of tools. Fails on the first bad
// definition; earlier entries of the group stay registered.
func (r *Registry) RegisterGroup(group string, defs []*Definition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register group %s: %w", group, err)
		}
	}
	if r.logger != nil {
		r.logger.Info("tool_group_registered", "group", group, "count", len(defs))
	}
	return nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// ListTools returns the model-facing tool definitions in registration
// order.
func (r *Registry) ListTools() []agents.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]agents.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].def
		defs = append(defs, agents.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return defs
}

// Execute dispatches one tool call: lookup, argument validation, recovered
// handler run, result normalization. Dispatch-level failures (unknown tool,
// bad arguments, handler error or panic) return an error the turn engine
// converts into a tool_execution_failed result for the model.
func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
	r.mu.RLock()
	reg, exists := r.tools[toolName]
	r.mu.RUnlock()

	if !exists {
		observability.RecordToolExecution(toolName, "unknown", 0)
		return nil, &UnknownToolError{Name: toolName}
	}

	if reg.schema != nil {
		if err := validateArgs(reg.schema, args); err != nil {
			observability.RecordToolExecution(toolName, "invalid_args", 0)
			return nil, &InvalidArgumentsError{Tool: toolName, Err: err}
		}
	}

	start := time.Now()
	result, err := kernel.SafeExecuteWithResult(r.logger, "tool:"+toolName, func() (*agents.StandardToolResult, error) {
		return reg.def.Handler(ctx, args, tctx)
	})
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		observability.RecordToolExecution(toolName, "error", durationMS)
		return nil, err
	}

	normalized, nerr := agents.NormalizeToolResult(result)
	if nerr != nil {
		observability.RecordToolExecution(toolName, "error", durationMS)
		return nil, nerr
	}

	observability.RecordToolExecution(toolName, string(normalized.Status), durationMS)
	if r.logger != nil {
		r.logger.Debug("tool_executed",
			"tool", toolName,
			"status", string(normalized.Status),
			"duration_ms", durationMS,
		)
	}
	return normalized, nil
}

// =============================================================================
// Schema helpers
// =============================================================================

// compileSchema compiles a schema document for one tool.
func compileSchema(toolName string, params map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so literals written in Go (ints, nested
	// maps) become the decoded-JSON shapes the compiler expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := toolName + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}

// validateArgs checks args against the compiled schema. Args round-trip
// through JSON first so Go-native numbers validate like wire numbers.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return schema.Validate(doc)
}

// Compile-time dispatcher check.
var _ agents.ToolDispatcher = (*Registry)(nil)

// Package agents implements the per-agent turn engine and the contracts it
// shares with the reasoning and tool layers.
//
// The engine depends on two capability ports only:
//   - ReasoningClient: chat completions with mid-call cancellation
//   - ToolDispatcher: schema-validated tool execution
//
// Tool results are normalized to StandardToolResult before they are fed
// back to the model, so every tool round sees one consistent shape.
package agents

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Stable error-type keys carried in error envelope payloads. Collaborators
// match on these strings, so they never change.
const (
	ErrTypeLLMCallFailed         = "llm_call_failed"
	ErrTypeLLMCallAborted        = "llm_call_aborted"
	ErrTypeContextLimitExceeded  = "context_limit_exceeded"
	ErrTypeMaxToolRoundsExceeded = "max_tool_rounds_exceeded"
	ErrTypeProcessingFailed      = "agent_message_processing_failed"
	ErrTypeToolExecutionFailed   = "tool_execution_failed"
	ErrTypeStepBudgetExhausted   = "step_budget_exhausted"
)

// ErrCallAborted is returned by ReasoningClient.Chat when the cancellation
// token was invalidated while the call was in flight.
var ErrCallAborted = errors.New("reasoning call aborted")

// ErrContextLimit is returned by ReasoningClient.Chat when the request
// exceeds the service's context window.
var ErrContextLimit = errors.New("context limit exceeded")

// =============================================================================
// CAPABILITY PORTS
// =============================================================================

// CancelToken is the read side of a per-agent cancellation epoch. Every
// suspension point selects on Done and re-checks IsCancelled on wake.
type CancelToken interface {
	IsCancelled() bool
	Done() <-chan struct{}
}

// ReasoningClient is the port to a chat-completion service. Implementations
// must release the in-flight request and return ErrCallAborted when the
// token is invalidated mid-call.
type ReasoningClient interface {
	Chat(ctx context.Context, req *ChatRequest, token CancelToken) (*ChatResponse, error)
}

// ToolDispatcher is the port to the tool registry. Execute validates args
// against the tool's schema and returns a normalized result; a non-nil
// error means the dispatch itself failed, not the tool's domain logic.
type ToolDispatcher interface {
	ListTools() []ToolDef
	Execute(ctx context.Context, toolName string, args map[string]any, tctx *ToolContext) (*StandardToolResult, error)
}

// WorkspacePort resolves attachment references for tools. Interface only;
// the runtime host supplies the implementation.
type WorkspacePort interface {
	// Resolve maps "workspace:<relativePath>" or "artifact:<id>" to a
	// local filesystem path.
	Resolve(ref string) (string, error)
}

// Logger is the structured logging interface used by the engine.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// =============================================================================
// CHAT TYPES
// =============================================================================

// ChatRequest is one reasoning call: the full conversation, the tool
// surface, and the sampling knobs. Zero values defer to service defaults.
type ChatRequest struct {
	Model       string                 `json:"model,omitempty"`
	Messages    []*conversation.Record `json:"messages"`
	Tools       []ToolDef              `json:"tools,omitempty"`
	Temperature float32                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
}

// Usage reports the token consumption of a single reasoning call.
// TotalTokens is authoritative for the whole context when non-zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the service's reply. A response carries content, tool
// calls, or both; an empty ToolCalls list ends the tool loop.
type ChatResponse struct {
	Content   string                  `json:"content,omitempty"`
	ToolCalls []conversation.ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage                   `json:"usage"`
	Reasoning string                  `json:"reasoning,omitempty"`
}

// ToolDef describes one callable tool. Parameters is a JSON-schema
// document; the dispatcher compiles it, the reasoning adapter forwards it
// verbatim to the service.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolContext identifies the turn a tool executes within. Tools honor the
// token cooperatively and may use Workspace to resolve attachments.
type ToolContext struct {
	AgentID   string
	TaskID    string
	MessageID string
	Token     CancelToken
	Workspace WorkspacePort
}

// =============================================================================
// TOOL STATUS
// =============================================================================

// ToolStatus represents the status of a tool execution.
type ToolStatus string

const (
	// ToolStatusSuccess indicates successful execution.
	ToolStatusSuccess ToolStatus = "success"
	// ToolStatusError indicates execution failed.
	ToolStatusError ToolStatus = "error"
)

// ToolStatusFromString parses a status string.
func ToolStatusFromString(value string) (ToolStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "success":
		return ToolStatusSuccess, nil
	case "error":
		return ToolStatusError, nil
	default:
		return "", fmt.Errorf("invalid tool status '%s'. Must be one of: success, error", value)
	}
}

// =============================================================================
// TOOL ERROR DETAILS
// =============================================================================

// ToolErrorDetails represents standardized error structure for tool failures.
type ToolErrorDetails struct {
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

// NewToolErrorDetails creates a new ToolErrorDetails.
func NewToolErrorDetails(errorType, message string, recoverable bool) *ToolErrorDetails {
	return &ToolErrorDetails{
		ErrorType:   errorType,
		Message:     message,
		Recoverable: recoverable,
	}
}

// ToolErrorDetailsFromError creates error details from a Go error.
func ToolErrorDetailsFromError(err error, recoverable bool) *ToolErrorDetails {
	return &ToolErrorDetails{
		ErrorType:   fmt.Sprintf("%T", err),
		Message:     err.Error(),
		Details:     map[string]any{"traceback": string(debug.Stack())},
		Recoverable: recoverable,
	}
}

// ToolErrorDetailsNotFound is a factory for "not found" errors.
func ToolErrorDetailsNotFound(entity, identifier string) *ToolErrorDetails {
	return &ToolErrorDetails{
		ErrorType:   "NotFoundError",
		Message:     fmt.Sprintf("%s '%s' not found", entity, identifier),
		Recoverable: false,
	}
}

// =============================================================================
// STANDARD TOOL RESULT
// =============================================================================

// StandardToolResult represents a standardized tool result structure.
type StandardToolResult struct {
	Status  ToolStatus        `json:"status"`
	Data    map[string]any    `json:"data,omitempty"`
	Error   *ToolErrorDetails `json:"error,omitempty"`
	Message *string           `json:"message,omitempty"`
}

// NewStandardToolResultSuccess creates a successful result.
func NewStandardToolResultSuccess(data map[string]any, message *string) *StandardToolResult {
	return &StandardToolResult{
		Status:  ToolStatusSuccess,
		Data:    data,
		Message: message,
	}
}

// NewStandardToolResultFailure creates a failed result.
func NewStandardToolResultFailure(err *ToolErrorDetails, message *string) *StandardToolResult {
	msg := message
	if msg == nil {
		msg = &err.Message
	}
	return &StandardToolResult{
		Status:  ToolStatusError,
		Error:   err,
		Message: msg,
	}
}

// Validate validates cross-field constraints.
func (r *StandardToolResult) Validate() error {
	if r.Status == ToolStatusError && r.Error == nil {
		return fmt.Errorf("error field is required when status is 'error'")
	}
	if r.Status == ToolStatusSuccess && r.Error != nil {
		return fmt.Errorf("error field must be nil when status is 'success'")
	}
	return nil
}

// =============================================================================
// NORMALIZE TOOL RESULT
// =============================================================================

// NormalizeToolResult converts a loose tool result dict to StandardToolResult.
func NormalizeToolResult(result any) (*StandardToolResult, error) {
	// If already StandardToolResult, return as-is
	if str, ok := result.(*StandardToolResult); ok {
		if str == nil {
			return nil, fmt.Errorf("tool returned a nil result")
		}
		return str, nil
	}

	// Must be a map
	resultMap, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool result must be map or StandardToolResult, got %T", result)
	}

	// Determine status
	var status ToolStatus
	if statusRaw, exists := resultMap["status"]; exists {
		statusStr := fmt.Sprintf("%v", statusRaw)
		switch strings.ToLower(statusStr) {
		case "success", "completed", "ok":
			status = ToolStatusSuccess
		case "error", "failed", "failure":
			status = ToolStatusError
		default:
			if _, hasError := resultMap["error"]; hasError {
				status = ToolStatusError
			} else {
				status = ToolStatusSuccess
			}
		}
	} else {
		if _, hasError := resultMap["error"]; hasError {
			status = ToolStatusError
		} else {
			status = ToolStatusSuccess
		}
	}

	var message *string
	if msg, ok := resultMap["message"].(string); ok {
		message = &msg
	}

	if status == ToolStatusSuccess {
		return &StandardToolResult{
			Status:  status,
			Data:    resultMap,
			Message: message,
		}, nil
	}

	// Build error details
	errorMsg := ""
	if e, ok := resultMap["error"].(string); ok {
		errorMsg = e
	} else if e, ok := resultMap["message"].(string); ok {
		errorMsg = e
	} else if e, ok := resultMap["error"]; ok {
		errorMsg = fmt.Sprintf("%v", e)
	} else {
		errorMsg = "Unknown error"
	}

	var errorDetails *ToolErrorDetails
	if errorMap, ok := resultMap["error"].(map[string]any); ok {
		errorType := "ToolError"
		if t, ok := errorMap["type"].(string); ok {
			errorType = t
		}
		msg := errorMsg
		if m, ok := errorMap["message"].(string); ok {
			msg = m
		}
		errorDetails = &ToolErrorDetails{
			ErrorType: errorType,
			Message:   msg,
			Details:   errorMap,
		}
	} else {
		errorType := "ToolError"
		if t, ok := resultMap["error_type"].(string); ok {
			errorType = t
		}
		errorDetails = &ToolErrorDetails{
			ErrorType: errorType,
			Message:   errorMsg,
		}
	}

	return &StandardToolResult{
		Status:  status,
		Error:   errorDetails,
		Message: message,
	}, nil
}

package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
)

// ChatCompleter captures the subset of the go-openai client the adapter
// uses. Tests substitute a scripted implementation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAdapter translates chat requests into OpenAI-compatible chat
// completion calls. One adapter serves one ServiceEntry; the entry's
// BaseURL lets the same adapter speak to any compatible endpoint.
//
// Cancellation: the HTTP call runs under a child context that a watcher
// goroutine cancels as soon as the token is invalidated, releasing the
// stream mid-flight. The caller then receives ErrCallAborted.
type OpenAIAdapter struct {
	entry  *ServiceEntry
	client ChatCompleter
	logger Logger
}

// NewOpenAIAdapter builds an adapter with the default go-openai HTTP
// client configured from the entry.
func NewOpenAIAdapter(entry *ServiceEntry, logger Logger) *OpenAIAdapter {
	cfg := openai.DefaultConfig(entry.APIKey)
	if entry.BaseURL != "" {
		cfg.BaseURL = entry.BaseURL
	}
	return NewOpenAIAdapterWithClient(entry, openai.NewClientWithConfig(cfg), logger)
}

// NewOpenAIAdapterWithClient builds an adapter around an injected client.
func NewOpenAIAdapterWithClient(entry *ServiceEntry, client ChatCompleter, logger Logger) *OpenAIAdapter {
	return &OpenAIAdapter{entry: entry.Clone(), client: client, logger: logger}
}

// Chat implements agents.ReasoningClient for one service.
func (a *OpenAIAdapter) Chat(ctx context.Context, req *agents.ChatRequest, token agents.CancelToken) (*agents.ChatResponse, error) {
	if token != nil && token.IsCancelled() {
		return nil, agents.ErrCallAborted
	}

	request, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if token != nil {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithCancel(ctx)
		defer cancel()

		watcherDone := make(chan struct{})
		defer close(watcherDone)
		go func() {
			select {
			case <-token.Done():
				cancel()
			case <-callCtx.Done():
			case <-watcherDone:
			}
		}()
	}

	response, err := a.client.CreateChatCompletion(callCtx, request)
	if err != nil {
		return nil, a.classifyError(callCtx, token, err)
	}
	return translateResponse(response), nil
}

// classifyError maps transport and API failures onto the engine's
// sentinels. Token invalidation wins over everything but a context-limit
// rejection, which must survive so the engine can compress and retry.
func (a *OpenAIAdapter) classifyError(ctx context.Context, token agents.CancelToken, err error) error {
	if isContextLimit(err) {
		return fmt.Errorf("%w: %s", agents.ErrContextLimit, err.Error())
	}
	if token != nil && token.IsCancelled() {
		return agents.ErrCallAborted
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// The watcher or an out-of-band Abort released the call.
		return agents.ErrCallAborted
	}
	return fmt.Errorf("chat completion: %w", err)
}

// translateRequest maps the conversation onto the chat-completions wire
// shape: assistant tool calls become function call entries, tool results
// reference their call id, everything else is plain role/content.
func (a *OpenAIAdapter) translateRequest(req *agents.ChatRequest) (openai.ChatCompletionRequest, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, rec := range req.Messages {
		if rec == nil {
			continue
		}
		msg := openai.ChatCompletionMessage{
			Role:    openaiRole(rec.Role),
			Content: rec.Content,
		}
		if len(rec.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, 0, len(rec.ToolCalls))
			for _, tc := range rec.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		if rec.ToolCallID != "" {
			msg.ToolCallID = rec.ToolCallID
		}
		messages = append(messages, msg)
	}

	// The entry's model is the wire name; request tags only select the
	// entry. Registry fallback may land here with a foreign tag, which
	// must not reach the service.
	model := a.entry.Model
	if model == "" {
		model = req.Model
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}, nil
}

func openaiRole(role conversation.Role) string {
	switch role {
	case conversation.RoleSystem:
		return openai.ChatMessageRoleSystem
	case conversation.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case conversation.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

func encodeTools(defs []agents.ToolDef) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *agents.ChatResponse {
	out := &agents.ChatResponse{
		Usage: agents.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			out.Content += msg.Content
		}
		if msg.ReasoningContent != "" {
			out.Reasoning += msg.ReasoningContent
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}
	return out
}

// =============================================================================
// Error Classification
// =============================================================================

// isContextLimit detects the service rejecting a request for exceeding the
// model's context window.
func isContextLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "context length") || strings.Contains(msg, "maximum context")
	}
	return false
}

// IsTransient reports whether err is worth a backoff retry: overload and
// server-side statuses plus plain transport failures. Cancellation,
// aborts, and request rejections are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, agents.ErrCallAborted) || errors.Is(err, agents.ErrContextLimit) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	// Connection-level failure with no API shape.
	return true
}

var _ agents.ReasoningClient = (*OpenAIAdapter)(nil)

// Package testutil provides shared test doubles for the runtime's ports.
//
// All mocks in this package are designed for testing coreengine components
// in isolation without reaching a real reasoning service or filesystem.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// MOCK REASONING CLIENT
// =============================================================================

// MockReasoningClient implements agents.ReasoningClient. Script it with a
// queue of responses; once the queue is exhausted the DefaultResponse is
// returned. ChatFunc overrides everything when set.
type MockReasoningClient struct {
	// Script is consumed one entry per call, in order.
	Script []ScriptedReply

	// DefaultResponse is returned after the script runs out.
	DefaultResponse *agents.ChatResponse

	// Error causes every call to fail. Script entries with their own error
	// take precedence.
	Error error

	// Delay simulates service latency. The call aborts early when the
	// context or the cancel token fires.
	Delay time.Duration

	// ChatFunc replaces the scripted behavior entirely when set.
	ChatFunc func(ctx context.Context, req *agents.ChatRequest, token agents.CancelToken) (*agents.ChatResponse, error)

	// Calls records every request for assertion.
	Calls []ChatCall

	mu   sync.Mutex
	next int
}

// ScriptedReply is one pre-programmed response.
type ScriptedReply struct {
	Response *agents.ChatResponse
	Err      error
}

// ChatCall records a single reasoning call for assertion.
type ChatCall struct {
	Model    string
	Messages int
	Tools    int
}

// NewMockReasoningClient creates a client that answers "ok" forever.
func NewMockReasoningClient() *MockReasoningClient {
	return &MockReasoningClient{
		DefaultResponse: &agents.ChatResponse{Content: "ok"},
	}
}

// Chat implements agents.ReasoningClient.
func (m *MockReasoningClient) Chat(ctx context.Context, req *agents.ChatRequest, token agents.CancelToken) (*agents.ChatResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, ChatCall{Model: req.Model, Messages: len(req.Messages), Tools: len(req.Tools)})
	var entry *ScriptedReply
	if m.next < len(m.Script) {
		entry = &m.Script[m.next]
		m.next++
	}
	custom := m.ChatFunc
	m.mu.Unlock()

	if custom != nil {
		return custom(ctx, req, token)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tokenDone(token):
			return nil, agents.ErrCallAborted
		}
	}
	if token != nil && token.IsCancelled() {
		return nil, agents.ErrCallAborted
	}

	if entry != nil {
		if entry.Err != nil {
			return nil, entry.Err
		}
		return entry.Response, nil
	}
	if m.Error != nil {
		return nil, m.Error
	}
	return m.DefaultResponse, nil
}

// tokenDone returns the token's done channel, or a never-firing channel
// for nil tokens.
func tokenDone(token agents.CancelToken) <-chan struct{} {
	if token == nil {
		return make(chan struct{})
	}
	return token.Done()
}

// WithReply queues a plain text response.
func (m *MockReasoningClient) WithReply(content string) *MockReasoningClient {
	m.Script = append(m.Script, ScriptedReply{Response: &agents.ChatResponse{Content: content}})
	return m
}

// WithToolCall queues a response requesting one tool execution.
func (m *MockReasoningClient) WithToolCall(callID, name, arguments string) *MockReasoningClient {
	m.Script = append(m.Script, ScriptedReply{Response: &agents.ChatResponse{
		ToolCalls: []conversation.ToolCall{{ID: callID, Name: name, Arguments: arguments}},
	}})
	return m
}

// WithUsage queues a text response carrying a token usage report.
func (m *MockReasoningClient) WithUsage(content string, totalTokens int) *MockReasoningClient {
	m.Script = append(m.Script, ScriptedReply{Response: &agents.ChatResponse{
		Content: content,
		Usage:   agents.Usage{TotalTokens: totalTokens},
	}})
	return m
}

// WithCallError queues a failing call.
func (m *MockReasoningClient) WithCallError(err error) *MockReasoningClient {
	m.Script = append(m.Script, ScriptedReply{Err: err})
	return m
}

// WithError makes every unscripted call fail.
func (m *MockReasoningClient) WithError(err error) *MockReasoningClient {
	m.Error = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockReasoningClient) WithDelay(d time.Duration) *MockReasoningClient {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockReasoningClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// GetCalls returns a copy of the recorded calls (thread-safe).
func (m *MockReasoningClient) GetCalls() []ChatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]ChatCall, len(m.Calls))
	copy(copied, m.Calls)
	return copied
}

// Reset clears call history and rewinds the script.
func (m *MockReasoningClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.next = 0
}

// =============================================================================
// MOCK TOOL DISPATCHER
// =============================================================================

// MockToolDispatcher implements agents.ToolDispatcher with canned results.
type MockToolDispatcher struct {
	// Defs is the tool surface reported to the reasoning service.
	Defs []agents.ToolDef

	// Results maps tool names to their results.
	Results map[string]*agents.StandardToolResult

	// Errors maps tool names to dispatch errors.
	Errors map[string]error

	// Calls records all dispatches for assertion.
	Calls []DispatchedCall

	mu sync.Mutex
}

// DispatchedCall records a single tool dispatch for assertion.
type DispatchedCall struct {
	Tool    string
	Args    map[string]any
	AgentID string
	TaskID  string
}

// NewMockToolDispatcher creates a MockToolDispatcher with no tools.
func NewMockToolDispatcher() *MockToolDispatcher {
	return &MockToolDispatcher{
		Results: make(map[string]*agents.StandardToolResult),
		Errors:  make(map[string]error),
	}
}

// ListTools implements agents.ToolDispatcher.
func (m *MockToolDispatcher) ListTools() []agents.ToolDef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agents.ToolDef(nil), m.Defs...)
}

// Execute implements agents.ToolDispatcher.
func (m *MockToolDispatcher) Execute(ctx context.Context, toolName string, args map[string]any, tctx *agents.ToolContext) (*agents.StandardToolResult, error) {
	m.mu.Lock()
	call := DispatchedCall{Tool: toolName, Args: args}
	if tctx != nil {
		call.AgentID = tctx.AgentID
		call.TaskID = tctx.TaskID
	}
	m.Calls = append(m.Calls, call)
	err := m.Errors[toolName]
	result := m.Results[toolName]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return agents.NewStandardToolResultSuccess(map[string]any{"tool": toolName}, nil), nil
}

// WithTool advertises a tool definition.
func (m *MockToolDispatcher) WithTool(name, description string) *MockToolDispatcher {
	m.Defs = append(m.Defs, agents.ToolDef{Name: name, Description: description})
	return m
}

// WithResult sets a tool's canned result.
func (m *MockToolDispatcher) WithResult(toolName string, result *agents.StandardToolResult) *MockToolDispatcher {
	m.Results[toolName] = result
	return m
}

// WithError makes a tool's dispatch fail.
func (m *MockToolDispatcher) WithError(toolName string, err error) *MockToolDispatcher {
	m.Errors[toolName] = err
	return m
}

// GetCallCount returns the number of dispatches (thread-safe).
func (m *MockToolDispatcher) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// GetCalls returns a copy of the recorded dispatches (thread-safe).
func (m *MockToolDispatcher) GetCalls() []DispatchedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]DispatchedCall, len(m.Calls))
	copy(copied, m.Calls)
	return copied
}

// Reset clears call history.
func (m *MockToolDispatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// =============================================================================
// MOCK PERSISTENCE
// =============================================================================

// MockPersistence implements conversation.Persistence in memory.
type MockPersistence struct {
	// Snapshots holds the latest snapshot per agent.
	Snapshots map[string][]*conversation.Record

	// Removed records agents whose conversations were dropped.
	Removed []string

	// SnapshotCount tracks total snapshot calls.
	SnapshotCount int

	mu sync.Mutex
}

// NewMockPersistence creates an empty MockPersistence.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Snapshots: make(map[string][]*conversation.Record),
	}
}

// SnapshotConversation implements conversation.Persistence.
func (m *MockPersistence) SnapshotConversation(agentID string, records []*conversation.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotCount++
	m.Snapshots[agentID] = records
}

// RemoveConversation implements conversation.Persistence.
func (m *MockPersistence) RemoveConversation(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Snapshots, agentID)
	m.Removed = append(m.Removed, agentID)
}

// GetSnapshot returns the latest snapshot for an agent (thread-safe).
func (m *MockPersistence) GetSnapshot(agentID string) []*conversation.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Snapshots[agentID]
}

// GetSnapshotCount returns the number of snapshot calls (thread-safe).
func (m *MockPersistence) GetSnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SnapshotCount
}

// WasRemoved reports whether the agent's conversation was dropped.
func (m *MockPersistence) WasRemoved(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.Removed {
		if id == agentID {
			return true
		}
	}
	return false
}

// Clear removes all stored snapshots and history.
func (m *MockPersistence) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots = make(map[string][]*conversation.Record)
	m.Removed = nil
	m.SnapshotCount = 0
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements agents.Logger and captures entries for assertion.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind implements agents.Logger. Bound fields are folded into every entry.
func (m *MockLogger) Bind(fields ...any) agents.Logger {
	return &boundLogger{parent: m, fields: fields}
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// boundLogger forwards to the parent with pre-bound fields appended.
type boundLogger struct {
	parent *MockLogger
	fields []any
}

func (b *boundLogger) Debug(msg string, kv ...any) { b.parent.log("debug", msg, b.merge(kv)...) }
func (b *boundLogger) Info(msg string, kv ...any)  { b.parent.log("info", msg, b.merge(kv)...) }
func (b *boundLogger) Warn(msg string, kv ...any)  { b.parent.log("warn", msg, b.merge(kv)...) }
func (b *boundLogger) Error(msg string, kv ...any) { b.parent.log("error", msg, b.merge(kv)...) }

func (b *boundLogger) Bind(fields ...any) agents.Logger {
	return &boundLogger{parent: b.parent, fields: b.merge(fields)}
}

func (b *boundLogger) merge(kv []any) []any {
	merged := make([]any, 0, len(b.fields)+len(kv))
	merged = append(merged, b.fields...)
	merged = append(merged, kv...)
	return merged
}

// =============================================================================
// CANCEL TOKEN STUB
// =============================================================================

// StubToken implements agents.CancelToken with manual cancellation.
type StubToken struct {
	once sync.Once
	done chan struct{}
}

// NewStubToken creates an uncancelled token.
func NewStubToken() *StubToken {
	return &StubToken{done: make(chan struct{})}
}

// Cancel invalidates the token. Idempotent.
func (t *StubToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// IsCancelled implements agents.CancelToken.
func (t *StubToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done implements agents.CancelToken.
func (t *StubToken) Done() <-chan struct{} {
	return t.done
}

// =============================================================================
// CONVERSATION HELPERS
// =============================================================================

// SeedConversation registers an agent conversation and appends turns
// alternating user/assistant, oldest first.
func SeedConversation(store *conversation.Store, agentID, systemPrompt string, turns ...string) error {
	store.Register(agentID, systemPrompt)
	for i, text := range turns {
		var rec *conversation.Record
		if i%2 == 0 {
			rec = conversation.NewUserRecord(text)
		} else {
			rec = conversation.NewAssistantRecord(text)
		}
		if err := store.Append(agentID, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ENVELOPE HELPERS
// =============================================================================

// NewUserText creates a user-originated text envelope with a task id.
func NewUserText(to, text string) *envelope.Envelope {
	return envelope.NewText(envelope.AgentUser, to, text, envelope.WithTaskID(envelope.NewTaskID()))
}

// Compile-time port checks.
var (
	_ agents.ReasoningClient   = (*MockReasoningClient)(nil)
	_ agents.ToolDispatcher    = (*MockToolDispatcher)(nil)
	_ conversation.Persistence = (*MockPersistence)(nil)
	_ agents.Logger            = (*MockLogger)(nil)
	_ agents.CancelToken       = (*StubToken)(nil)
)

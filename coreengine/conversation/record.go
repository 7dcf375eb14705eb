// Package conversation provides per-agent message history with token
// accounting and auto-compression.
//
// Components:
//   - Record: one conversation turn (system, user, assistant, or tool)
//   - Store: per-agent ordered record lists with per-agent locking
//   - Compressor: summarizes older turns when the token budget nears
//     the context ceiling
package conversation

import (
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the speaker of a conversation record.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// =============================================================================
// Tool Calls
// =============================================================================

// ToolCall is a tool invocation requested by the reasoning service.
// Arguments holds the raw JSON argument object as returned by the service.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// =============================================================================
// Conversation Record
// =============================================================================

// SummaryPrefix marks the content of a compression summary record.
const SummaryPrefix = "[compressed summary]\n"

// Record is one turn in an agent's conversation. The first record of
// every conversation is a system turn; compression may rewrite the middle
// of the list but never the system turn or the recent tail.
type Record struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// TokenCount is the heuristic estimate assigned at creation, replaced
	// by the service-reported total on the record that closed a turn.
	TokenCount int `json:"token_count"`

	IsCompressed bool       `json:"is_compressed,omitempty"`
	CompressedAt *time.Time `json:"compressed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewSystemRecord creates the system turn that heads a conversation.
func NewSystemRecord(prompt string) *Record {
	rec := &Record{
		Role:      RoleSystem,
		Content:   prompt,
		CreatedAt: time.Now().UTC(),
	}
	rec.TokenCount = EstimateRecordTokens(rec)
	return rec
}

// NewUserRecord creates a user turn from an inbound message.
func NewUserRecord(content string) *Record {
	rec := &Record{
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	rec.TokenCount = EstimateRecordTokens(rec)
	return rec
}

// NewAssistantRecord creates an assistant turn carrying plain content.
func NewAssistantRecord(content string) *Record {
	rec := &Record{
		Role:      RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	rec.TokenCount = EstimateRecordTokens(rec)
	return rec
}

// NewToolCallRecord creates an assistant turn requesting tool executions.
func NewToolCallRecord(content string, toolCalls []ToolCall) *Record {
	rec := &Record{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
		CreatedAt: time.Now().UTC(),
	}
	rec.TokenCount = EstimateRecordTokens(rec)
	return rec
}

// NewToolResultRecord creates a tool turn carrying one execution result.
func NewToolResultRecord(toolCallID, content string) *Record {
	rec := &Record{
		Role:       RoleTool,
		ToolCallID: toolCallID,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	rec.TokenCount = EstimateRecordTokens(rec)
	return rec
}

// NewSummaryRecord creates the assistant turn that replaces compressed
// history.
func NewSummaryRecord(summary string) *Record {
	now := time.Now().UTC()
	rec := &Record{
		Role:         RoleAssistant,
		Content:      SummaryPrefix + summary,
		IsCompressed: true,
		CompressedAt: &now,
		CreatedAt:    now,
	}
	rec.TokenCount = EstimateRecordTokens(rec)
	return rec
}

// Clone returns a copy of the record with its own tool-call slice.
func (r *Record) Clone() *Record {
	clone := *r
	if r.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(r.ToolCalls))
		copy(clone.ToolCalls, r.ToolCalls)
	}
	if r.CompressedAt != nil {
		at := *r.CompressedAt
		clone.CompressedAt = &at
	}
	return &clone
}

// cloneRecords deep-copies a record list.
func cloneRecords(records []*Record) []*Record {
	out := make([]*Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// Package envelope provides the immutable message envelope and the opaque
// identifiers used to address agents, roles, and tasks.
//
// Design:
//   - Envelopes are never mutated after enqueue; modifications produce new
//     envelopes via Clone.
//   - Payload is a structured map whose shape depends on Kind (see the
//     *Payload constructors).
//   - Envelopes round-trip through map[string]any state dicts for the
//     persistence layer and the inspection CLI.
package envelope

import (
	"time"
)

// Attachment references a file held by the workspace or artifact service.
type Attachment struct {
	// ArtifactRef is "workspace:<relativePath>" or "artifact:<id>".
	ArtifactRef string `json:"artifact_ref"`
	// Type is "image" or "file".
	Type     string `json:"type"`
	Filename string `json:"filename,omitempty"`
}

// Envelope is a single addressed message between agents.
type Envelope struct {
	// Identification
	ID     string `json:"envelope_id"`
	From   string `json:"from_agent_id"`
	To     string `json:"to_agent_id"`
	TaskID string `json:"task_id,omitempty"`

	// Classification
	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`

	// Content
	Payload     map[string]any `json:"payload"`
	Attachments []Attachment   `json:"attachments,omitempty"`

	// Timing
	CreatedAt           time.Time  `json:"created_at"`
	ScheduledDeliveryAt *time.Time `json:"scheduled_delivery_at,omitempty"`
}

// Option configures an envelope at construction time.
type Option func(*Envelope)

// WithPriority sets the delivery priority.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithTaskID tags the envelope with a task identifier.
func WithTaskID(taskID string) Option {
	return func(e *Envelope) { e.TaskID = taskID }
}

// WithScheduledDelivery delays delivery until the given instant.
func WithScheduledDelivery(at time.Time) Option {
	return func(e *Envelope) {
		t := at.UTC()
		e.ScheduledDeliveryAt = &t
	}
}

// WithAttachments adds file references to the envelope.
func WithAttachments(refs ...Attachment) Option {
	return func(e *Envelope) { e.Attachments = append(e.Attachments, refs...) }
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// New creates an envelope of the given kind addressed from -> to.
// ID and CreatedAt are stamped here; the bus re-stamps them on send only
// when a caller supplies a partial envelope.
func New(from, to string, kind Kind, payload map[string]any, opts ...Option) *Envelope {
	e := &Envelope{
		ID:        NewMessageID(),
		From:      from,
		To:        to,
		Kind:      kind,
		Priority:  PriorityNormal,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewText creates a text envelope.
func NewText(from, to, text string, opts ...Option) *Envelope {
	return New(from, to, KindText, TextPayload(text), opts...)
}

// NewSystemText creates a runtime-originated text envelope.
func NewSystemText(from, to, text string, opts ...Option) *Envelope {
	return New(from, to, KindSystem, TextPayload(text), opts...)
}

// NewError creates an error envelope carrying the stable taxonomy key
// errorType and a user-facing message.
func NewError(from, to, errorType, message string, opts ...Option) *Envelope {
	return New(from, to, KindError, ErrorPayload(errorType, message), opts...)
}

// NewAbort creates an abort envelope signalling a cancelled turn.
func NewAbort(from, to, message string, opts ...Option) *Envelope {
	return New(from, to, KindAbort, AbortPayload(message), opts...)
}

// NewToolObservation creates a tool_call observation envelope. Observations
// are published to observers rather than enqueued; To is the user sink for
// outward visibility.
func NewToolObservation(from, toolName string, args map[string]any, result any, opts ...Option) *Envelope {
	return New(from, AgentUser, KindToolCall, ToolCallPayload(toolName, args, result), opts...)
}

// =============================================================================
// PAYLOAD SHAPES
// =============================================================================

// TextPayload builds a {text} payload.
func TextPayload(text string) map[string]any {
	return map[string]any{"text": text}
}

// ErrorPayload builds the error payload shape. Callers may add diagnostic
// fields (error_name, original_error, agent_id) before send.
func ErrorPayload(errorType, message string) map[string]any {
	return map[string]any{
		"kind":       "error",
		"error_type": errorType,
		"message":    message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// AbortPayload builds the abort payload shape.
func AbortPayload(message string) map[string]any {
	return map[string]any{
		"kind":    "abort",
		"message": message,
	}
}

// ToolCallPayload builds a tool_call observation payload. Usage, when known,
// is attached by the caller under "usage".
func ToolCallPayload(toolName string, args map[string]any, result any) map[string]any {
	return map[string]any{
		"tool_name": toolName,
		"args":      args,
		"result":    result,
	}
}

// Text returns the payload text for text/system envelopes, or "" when absent.
func (e *Envelope) Text() string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload["text"].(string); ok {
		return s
	}
	return ""
}

// ErrorType returns the taxonomy key of an error envelope, or "".
func (e *Envelope) ErrorType() string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload["error_type"].(string); ok {
		return s
	}
	return ""
}

// IsScheduled reports whether the envelope has a future delivery time
// relative to now.
func (e *Envelope) IsScheduled(now time.Time) bool {
	return e.ScheduledDeliveryAt != nil && e.ScheduledDeliveryAt.After(now)
}

// =============================================================================
// CLONE - DEEP COPY
// =============================================================================

// Clone creates a deep copy of the envelope. Mutating the clone never
// affects the original.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		ID:        e.ID,
		From:      e.From,
		To:        e.To,
		TaskID:    e.TaskID,
		Kind:      e.Kind,
		Priority:  e.Priority,
		CreatedAt: e.CreatedAt,
	}
	clone.Payload = deepCopyAnyMap(e.Payload)
	if e.Attachments != nil {
		clone.Attachments = make([]Attachment, len(e.Attachments))
		copy(clone.Attachments, e.Attachments)
	}
	if e.ScheduledDeliveryAt != nil {
		t := *e.ScheduledDeliveryAt
		clone.ScheduledDeliveryAt = &t
	}
	return clone
}

// Helper functions for deep copying payload values.
func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		result := make([]string, len(val))
		copy(result, val)
		return result
	default:
		return v // Primitives are copied by value
	}
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// ToStateDict converts the envelope to a state dict for persistence and the
// inspection CLI.
func (e *Envelope) ToStateDict() map[string]any {
	state := map[string]any{
		"envelope_id":   e.ID,
		"from_agent_id": e.From,
		"to_agent_id":   e.To,
		"kind":          string(e.Kind),
		"priority":      string(e.Priority),
		"payload":       e.Payload,
		"created_at":    e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.TaskID != "" {
		state["task_id"] = e.TaskID
	}
	if e.ScheduledDeliveryAt != nil {
		state["scheduled_delivery_at"] = e.ScheduledDeliveryAt.Format(time.RFC3339Nano)
	}
	if len(e.Attachments) > 0 {
		attachments := make([]any, 0, len(e.Attachments))
		for _, a := range e.Attachments {
			att := map[string]any{
				"artifact_ref": a.ArtifactRef,
				"type":         a.Type,
			}
			if a.Filename != "" {
				att["filename"] = a.Filename
			}
			attachments = append(attachments, att)
		}
		state["attachments"] = attachments
	}
	return state
}

// FromStateDict creates an envelope from a state dict. Unknown keys are
// ignored; missing identity fields get fresh defaults.
func FromStateDict(state map[string]any) *Envelope {
	e := &Envelope{
		ID:        NewMessageID(),
		Kind:      KindText,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}

	if v, ok := state["envelope_id"].(string); ok && v != "" {
		e.ID = v
	}
	if v, ok := state["from_agent_id"].(string); ok {
		e.From = v
	}
	if v, ok := state["to_agent_id"].(string); ok {
		e.To = v
	}
	if v, ok := state["task_id"].(string); ok {
		e.TaskID = v
	}
	if v, ok := state["kind"].(string); ok {
		if k := Kind(v); k.IsValid() {
			e.Kind = k
		}
	}
	if v, ok := state["priority"].(string); ok {
		if p := Priority(v); p.IsValid() {
			e.Priority = p
		}
	}
	if v, ok := state["payload"].(map[string]any); ok {
		e.Payload = v
	}
	if v, ok := state["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.CreatedAt = t
		}
	}
	if v, ok := state["scheduled_delivery_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.ScheduledDeliveryAt = &t
		}
	}
	if items, ok := state["attachments"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			att := Attachment{}
			if s, ok := m["artifact_ref"].(string); ok {
				att.ArtifactRef = s
			}
			if s, ok := m["type"].(string); ok {
				att.Type = s
			}
			if s, ok := m["filename"].(string); ok {
				att.Filename = s
			}
			e.Attachments = append(e.Attachments, att)
		}
	}
	return e
}

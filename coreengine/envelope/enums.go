package envelope

// Kind classifies an envelope payload.
type Kind string

const (
	// KindText is a plain text message.
	KindText Kind = "text"
	// KindToolCall is a tool invocation observation.
	KindToolCall Kind = "tool_call"
	// KindError carries an error payload.
	KindError Kind = "error"
	// KindAbort signals a cancelled turn.
	KindAbort Kind = "abort"
	// KindSystem is a runtime-originated notification.
	KindSystem Kind = "system"
)

// IsValid reports whether the kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindText, KindToolCall, KindError, KindAbort, KindSystem:
		return true
	}
	return false
}

// Priority orders envelopes within an inbox. High envelopes are delivered
// before all normal envelopes; order is FIFO within each band.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Weight maps the priority to its queue ordering weight. Larger dequeues first.
func (p Priority) Weight() int {
	if p == PriorityHigh {
		return 1
	}
	return 0
}

// IsValid reports whether the priority is a known value.
func (p Priority) IsValid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

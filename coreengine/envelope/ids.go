package envelope

import "github.com/google/uuid"

// Sentinel agent identifiers. Both exist for the lifetime of the runtime:
// root is the top-level reasoning agent, user is the human-endpoint sink.
const (
	AgentRoot = "root"
	AgentUser = "user"
)

// =============================================================================
// IDENTIFIER GENERATION
// =============================================================================

// NewMessageID generates a unique envelope identifier.
func NewMessageID() string {
	return "env_" + uuid.New().String()[:16]
}

// NewAgentID generates a unique agent identifier.
func NewAgentID() string {
	return "agt_" + uuid.New().String()[:16]
}

// NewRoleID generates a unique role identifier.
func NewRoleID() string {
	return "role_" + uuid.New().String()[:16]
}

// NewTaskID generates a unique task identifier.
func NewTaskID() string {
	return "task_" + uuid.New().String()[:16]
}

// IsSentinel reports whether id is one of the built-in agents.
func IsSentinel(id string) bool {
	return id == AgentRoot || id == AgentUser
}
